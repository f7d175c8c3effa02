package weblogin

import (
	"context"
	"sync"
)

type EventKind int

const (
	EventNavigate EventKind = iota
	EventConsole
	EventClose
)

type Event struct {
	Kind EventKind
	Text string
	// Build 非空时根据实际请求动态生成 Text（例如回填 state 参数）。
	Build func(req Request) string
}

// ScriptedDriver 按顺序回放预设事件，供测试驱动登录状态机；脚本耗尽仍未终结时视为关闭窗口。
type ScriptedDriver struct {
	Events  []Event
	Cookies []Cookie

	mu       sync.Mutex
	requests []Request
}

func (d *ScriptedDriver) Drive(ctx context.Context, req Request, m *Machine) error {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	for _, ev := range d.Events {
		if err := ctx.Err(); err != nil {
			m.OnClosed()
			return err
		}
		text := ev.Text
		if ev.Build != nil {
			text = ev.Build(req)
		}
		switch ev.Kind {
		case EventNavigate:
			m.OnNavigate(text)
		case EventConsole:
			m.OnConsoleMessage(text)
		case EventClose:
			m.OnClosed()
		}
		select {
		case <-m.Done():
			if m.Result().State == StateSucceeded && req.WantCookies {
				m.SetCookies(d.Cookies)
			}
			return nil
		default:
		}
	}
	m.OnClosed()
	return nil
}

func (d *ScriptedDriver) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}
