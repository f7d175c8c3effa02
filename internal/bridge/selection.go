package bridge

import "sync"

// Selection 记录每个游戏当前选中的渠道账号；选中时改写层不再注入登录方式，由登录桥作答。
type Selection struct {
	mu       sync.RWMutex
	selected map[string]string
}

func NewSelection() *Selection {
	return &Selection{selected: make(map[string]string)}
}

func (s *Selection) Select(gameID, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accountID == "" {
		delete(s.selected, gameID)
		return
	}
	s.selected[gameID] = accountID
}

func (s *Selection) Clear(gameID string) {
	s.Select(gameID, "")
}

func (s *Selection) Selected(gameID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.selected[gameID]
	return id, ok
}

// Forget 在账号被删除时清除所有引用它的选择。
func (s *Selection) Forget(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for g, id := range s.selected {
		if id == accountID {
			delete(s.selected, g)
		}
	}
}
