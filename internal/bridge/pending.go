package bridge

import (
	"encoding/json"
	"sync"
	"time"
)

// PendingLogin 是真实客户端申请的一个尚未被回答的二维码登录。
type PendingLogin struct {
	GameID     string          `json:"game_id"`
	ProcessID  string          `json:"process_id,omitempty"`
	QRCodeUUID string          `json:"uuid"`
	LoginInfo  json.RawMessage `json:"login_info,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PendingStack 按 game_id 分栈保存待回答的登录，后进先出。
type PendingStack struct {
	mu     sync.Mutex
	stacks map[string][]PendingLogin

	// max 为每个游戏保留的上限，超出时丢弃最旧的。
	max int
}

func NewPendingStack(max int) *PendingStack {
	if max <= 0 {
		max = 32
	}
	return &PendingStack{stacks: make(map[string][]PendingLogin), max: max}
}

func (s *PendingStack) Push(p PendingLogin) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := append(s.stacks[p.GameID], p)
	if len(st) > s.max {
		st = append([]PendingLogin(nil), st[len(st)-s.max:]...)
	}
	s.stacks[p.GameID] = st
}

// Pop 优先取 processID 完全匹配的最新一项，否则取该游戏最新的一项；每项只会被取出一次。
func (s *PendingStack) Pop(gameID, processID string) (PendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stacks[gameID]
	if len(st) == 0 {
		return PendingLogin{}, false
	}
	idx := len(st) - 1
	if processID != "" {
		for i := len(st) - 1; i >= 0; i-- {
			if st[i].ProcessID == processID {
				idx = i
				break
			}
		}
	}
	p := st[idx]
	st = append(st[:idx], st[idx+1:]...)
	if len(st) == 0 {
		delete(s.stacks, gameID)
	} else {
		s.stacks[gameID] = st
	}
	return p, true
}

// Peek 返回某个游戏的待回答登录快照，最新的在前。
func (s *PendingStack) Peek(gameID string) []PendingLogin {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stacks[gameID]
	out := make([]PendingLogin, 0, len(st))
	for i := len(st) - 1; i >= 0; i-- {
		out = append(out, st[i])
	}
	return out
}

func (s *PendingStack) Len(gameID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stacks[gameID])
}

// Attach 把扫码确认后观察到的登录信息挂到对应的待回答项上。
func (s *PendingStack) Attach(gameID, qrUUID string, info json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stacks[gameID]
	for i := range st {
		if st[i].QRCodeUUID == qrUUID {
			st[i].LoginInfo = append(json.RawMessage(nil), info...)
			return true
		}
	}
	return false
}
