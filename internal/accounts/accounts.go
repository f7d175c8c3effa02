// Package accounts 持久化渠道账号列表（单个 JSON 数组文件）。
//
// 整个文件在进程内互斥锁下读改写，写入走临时文件 + rename。假定同一时刻只有一个进程写入。
// 不变式：同一 (kind, external id) 最多一条记录。
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"qrbridge/internal/channel"
	"qrbridge/internal/obs"
)

var ErrNotFound = errors.New("账号不存在")

type ChannelAccount struct {
	UUID        string          `json:"uuid"`
	Kind        channel.Kind    `json:"kind"`
	DisplayName string          `json:"name"`
	GameID      string          `json:"game_id,omitempty"`
	CrossGame   bool            `json:"cross_game,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LastLoginAt time.Time       `json:"last_login_at"`
	ExternalID  string          `json:"external_id"`
	Session     channel.Session `json:"session"`
}

// VisibleTo 报告账号是否出现在某个游戏的列表中。
func (a ChannelAccount) VisibleTo(gameID string) bool {
	return gameID == "" || a.GameID == "" || a.GameID == gameID || a.CrossGame
}

func (a ChannelAccount) validate() error {
	if strings.TrimSpace(a.UUID) == "" {
		return errors.New("缺少 uuid")
	}
	if _, err := channel.ParseKind(string(a.Kind)); err != nil {
		return err
	}
	if !a.Session.Empty() && a.Session.Kind != a.Kind {
		return fmt.Errorf("会话类型 %s 与账号类型 %s 不一致", a.Session.Kind, a.Kind)
	}
	return nil
}

type ClientFactory interface {
	New(kind channel.Kind, sess channel.Session) (channel.Client, error)
}

type Store struct {
	path    string
	factory ClientFactory
	now     func() time.Time
	log     *slog.Logger

	mu sync.Mutex
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func NewStore(path string, factory ClientFactory, opts ...Option) *Store {
	s := &Store{path: path, factory: factory, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// load 读取全部账号；文件不存在视为空列表。任意一条记录解析失败都会清空整个列表。
func (s *Store) load() ([]ChannelAccount, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取账号文件失败: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return s.reset(raw, err)
	}
	out := make([]ChannelAccount, 0, len(entries))
	for i, e := range entries {
		var a ChannelAccount
		if err := json.Unmarshal(e, &a); err != nil {
			return s.reset(raw, fmt.Errorf("第 %d 条: %w", i, err))
		}
		if err := a.validate(); err != nil {
			return s.reset(raw, fmt.Errorf("第 %d 条: %w", i, err))
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) reset(raw []byte, cause error) ([]ChannelAccount, error) {
	backup := s.path + ".broken"
	_ = os.WriteFile(backup, raw, 0o600)
	s.log.Warn("账号文件损坏，已重置", "path", s.path, "backup", backup, "err", cause)
	if err := s.save(nil); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) save(list []ChannelAccount) error {
	if list == nil {
		list = []ChannelAccount{}
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("写入账号文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("写入账号文件失败: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("替换账号文件失败: %w", err)
	}
	return nil
}

// update 在锁内读出列表，交给 fn 修改后整体写回。
func (s *Store) update(fn func([]ChannelAccount) ([]ChannelAccount, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return err
	}
	next, err := fn(list)
	if err != nil {
		return err
	}
	return s.save(next)
}

func indexOf(list []ChannelAccount, id string) int {
	for i := range list {
		if list[i].UUID == id {
			return i
		}
	}
	return -1
}

func sortByLastLogin(list []ChannelAccount) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].LastLoginAt.After(list[j].LastLoginAt) })
}

// List 返回对 gameID 可见的账号，最近登录的在前；gameID 为空时返回全部。
func (s *Store) List(gameID string) ([]ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]ChannelAccount, 0, len(list))
	for _, a := range list {
		if a.VisibleTo(gameID) {
			out = append(out, a)
		}
	}
	sortByLastLogin(out)
	return out, nil
}

func (s *Store) Query(id string) (ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load()
	if err != nil {
		return ChannelAccount{}, err
	}
	i := indexOf(list, id)
	if i < 0 {
		return ChannelAccount{}, ErrNotFound
	}
	return list[i], nil
}

func (s *Store) modify(id string, fn func(*ChannelAccount) error) error {
	return s.update(func(list []ChannelAccount) ([]ChannelAccount, error) {
		i := indexOf(list, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		if err := fn(&list[i]); err != nil {
			return nil, err
		}
		return list, nil
	})
}

func (s *Store) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("名称不能为空")
	}
	return s.modify(id, func(a *ChannelAccount) error {
		a.DisplayName = name
		return nil
	})
}

func (s *Store) Delete(id string) error {
	return s.update(func(list []ChannelAccount) ([]ChannelAccount, error) {
		i := indexOf(list, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		return append(list[:i], list[i+1:]...), nil
	})
}

func (s *Store) Touch(id string) error {
	return s.modify(id, func(a *ChannelAccount) error {
		a.LastLoginAt = s.now()
		return nil
	})
}

func (s *Store) SetCrossGame(id string, on bool) error {
	return s.modify(id, func(a *ChannelAccount) error {
		a.CrossGame = on
		return nil
	})
}

// SaveSession 保存续期后的会话；空会话不覆盖已有数据。
func (s *Store) SaveSession(id string, sess channel.Session) error {
	if sess.Empty() {
		return nil
	}
	return s.modify(id, func(a *ChannelAccount) error {
		if sess.Kind != a.Kind {
			return channel.Errorf(channel.ErrProtocolShape, "会话类型 %s 与账号类型 %s 不一致", sess.Kind, a.Kind)
		}
		a.Session = sess
		return nil
	})
}

// Client 返回绑定了已存会话的渠道客户端。
func (s *Store) Client(ctx context.Context, id string) (channel.Client, ChannelAccount, error) {
	acc, err := s.Query(id)
	if err != nil {
		return nil, ChannelAccount{}, err
	}
	c, err := s.factory.New(acc.Kind, acc.Session)
	if err != nil {
		return nil, ChannelAccount{}, err
	}
	return c, acc, nil
}

// Persist 把客户端在使用中续期过的会话写回。
func (s *Store) Persist(id string, c channel.Client) error {
	return s.SaveSession(id, c.Session())
}

// ManualImport 拉起渠道登录，成功后按 (kind, external id) 去重保存。
// 登录过程可能持续很久，期间不持有存储锁。
func (s *Store) ManualImport(ctx context.Context, kind channel.Kind, gameID string) (ChannelAccount, error) {
	if !kind.Interactive() {
		return ChannelAccount{}, channel.Errorf(channel.ErrUnsupported, "渠道 %s 不支持手动导入", kind)
	}
	c, err := s.factory.New(kind, channel.Session{Kind: kind})
	if err != nil {
		return ChannelAccount{}, err
	}
	if err := c.RequestUserLogin(ctx); err != nil {
		obs.RecordChannelLogin(string(kind), false)
		return ChannelAccount{}, err
	}
	obs.RecordChannelLogin(string(kind), true)
	id := c.Identity()
	if id.ExternalID == "" {
		return ChannelAccount{}, channel.Errorf(channel.ErrProtocolShape, "登录成功但没有拿到账号 id")
	}

	var saved ChannelAccount
	err = s.update(func(list []ChannelAccount) ([]ChannelAccount, error) {
		now := s.now()
		for i := range list {
			if list[i].Kind == kind && list[i].ExternalID == id.ExternalID {
				list[i].Session = c.Session()
				list[i].LastLoginAt = now
				saved = list[i]
				return list, nil
			}
		}
		saved = ChannelAccount{
			UUID:        uuid.NewString(),
			Kind:        kind,
			DisplayName: displayName(id.DisplayName, kind, id.ExternalID),
			GameID:      gameID,
			CreatedAt:   now,
			LastLoginAt: now,
			ExternalID:  id.ExternalID,
			Session:     c.Session(),
		}
		return append(list, saved), nil
	})
	if err != nil {
		return ChannelAccount{}, err
	}
	s.log.Info("渠道账号已导入", "uuid", saved.UUID, "kind", kind, "external_id", saved.ExternalID)
	return saved, nil
}

func displayName(name string, kind channel.Kind, externalID string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return kind.Label() + "-" + externalID
}

// ImportFromScan 保存一次官方扫码登录截获的数据。按 user id 去重：沿用最新那条重复记录的
// uuid/名称/创建时间，删除其余重复项，并刷新会话与最近登录时间。
func (s *Store) ImportFromScan(gameID string, loginInfo []byte, exchange channel.Payload) (ChannelAccount, error) {
	if err := exchange.Validate(); err != nil {
		return ChannelAccount{}, err
	}
	exchangeRaw, err := json.Marshal(exchange)
	if err != nil {
		return ChannelAccount{}, err
	}
	var info json.RawMessage
	if gjson.ValidBytes(loginInfo) {
		info = json.RawMessage(loginInfo)
	}
	sess := channel.NewGenericSession(channel.GenericSession{
		UserID:       exchange.UserID,
		LoginInfo:    info,
		ExchangeInfo: exchangeRaw,
	})

	var saved ChannelAccount
	err = s.update(func(list []ChannelAccount) ([]ChannelAccount, error) {
		now := s.now()
		saved = ChannelAccount{
			UUID:        uuid.NewString(),
			Kind:        channel.KindGeneric,
			DisplayName: scanDisplayName(loginInfo, exchange.UserID),
			GameID:      gameID,
			CreatedAt:   now,
		}
		newest := -1
		kept := list[:0]
		var dups []ChannelAccount
		for _, a := range list {
			if a.Kind == channel.KindGeneric && a.ExternalID == exchange.UserID {
				dups = append(dups, a)
				continue
			}
			kept = append(kept, a)
		}
		for i, d := range dups {
			if newest < 0 || d.LastLoginAt.After(dups[newest].LastLoginAt) {
				newest = i
			}
		}
		if newest >= 0 {
			d := dups[newest]
			saved.UUID = d.UUID
			saved.DisplayName = d.DisplayName
			saved.CreatedAt = d.CreatedAt
			saved.GameID = d.GameID
			saved.CrossGame = d.CrossGame
		}
		saved.ExternalID = exchange.UserID
		saved.Session = sess
		saved.LastLoginAt = now
		return append(kept, saved), nil
	})
	if err != nil {
		return ChannelAccount{}, err
	}
	s.log.Info("官方扫码账号已记录", "uuid", saved.UUID, "user_id", saved.ExternalID)
	return saved, nil
}

func scanDisplayName(loginInfo []byte, userID string) string {
	for _, path := range []string{"user.nickname", "user.account", "nickname", "account"} {
		if v := gjson.GetBytes(loginInfo, path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return v.Str
		}
	}
	return channel.KindGeneric.Label() + "-" + userID
}
