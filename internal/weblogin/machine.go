// Package weblogin 把交互式网页登录建模为显式状态机：驱动方（浏览器或脚本）只负责喂入导航与控制台事件，
// 成功/失败判定交给各渠道的 Matcher。
package weblogin

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var (
	ErrCancelled  = errors.New("登录窗口已关闭")
	ErrFailed     = errors.New("登录失败")
	ErrNotStarted = errors.New("登录尚未开始")
)

type Verdict int

const (
	Continue Verdict = iota
	Succeed
	Fail
)

type Matcher interface {
	MatchURL(url string) Verdict
	MatchConsole(text string) Verdict
}

// MatchFuncs 以函数形式实现 Matcher；未设置的一侧恒为 Continue。
type MatchFuncs struct {
	URL     func(url string) Verdict
	Console func(text string) Verdict
}

func (f MatchFuncs) MatchURL(url string) Verdict {
	if f.URL == nil {
		return Continue
	}
	return f.URL(url)
}

func (f MatchFuncs) MatchConsole(text string) Verdict {
	if f.Console == nil {
		return Continue
	}
	return f.Console(text)
}

type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

type Outcome struct {
	State State
	// URL 为判定时的页面地址（成功时即回调地址）。
	URL string
	// Console 为触发判定的控制台消息（若由控制台触发）。
	Console string
	Cookies []Cookie
}

type Handle struct {
	ID       string
	StartURL string
}

type Machine struct {
	matcher Matcher

	mu      sync.Mutex
	handle  Handle
	outcome Outcome
	started bool
	done    chan struct{}
}

func NewMachine(m Matcher) *Machine {
	return &Machine{
		matcher: m,
		outcome: Outcome{State: StatePending},
		done:    make(chan struct{}),
	}
}

func (m *Machine) Start(url string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		m.started = true
		m.handle = Handle{ID: uuid.NewString(), StartURL: url}
		m.outcome.URL = url
	}
	return m.handle
}

func (m *Machine) OnNavigate(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.outcome.State.Terminal() {
		return
	}
	m.outcome.URL = url
	m.settleLocked(m.matcher.MatchURL(url), "")
}

func (m *Machine) OnConsoleMessage(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.outcome.State.Terminal() {
		return
	}
	m.settleLocked(m.matcher.MatchConsole(text), text)
}

// OnClosed 对应用户关闭登录窗口，是唯一的取消路径。
func (m *Machine) OnClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcome.State.Terminal() {
		return
	}
	m.outcome.State = StateCancelled
	close(m.done)
}

func (m *Machine) SetCookies(cookies []Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome.Cookies = append([]Cookie(nil), cookies...)
}

func (m *Machine) Result() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outcome
	out.Cookies = append([]Cookie(nil), m.outcome.Cookies...)
	return out
}

func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) settleLocked(v Verdict, console string) {
	switch v {
	case Succeed:
		m.outcome.State = StateSucceeded
	case Fail:
		m.outcome.State = StateFailed
	default:
		return
	}
	m.outcome.Console = console
	close(m.done)
}
