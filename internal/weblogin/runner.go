package weblogin

import (
	"context"
	"fmt"
	"log/slog"
)

type Request struct {
	// Title 仅用于日志。
	Title string
	URL   string
	// InitScripts 在每个文档加载前注入（例如 JS bridge 桩）。
	InitScripts []string
	Matcher     Matcher
	// WantCookies 为 true 时成功后收集浏览器 cookie。
	WantCookies bool
}

// Driver 负责打开登录界面并把事件喂给 Machine，直到 Machine 终结或界面被关闭。
type Driver interface {
	Drive(ctx context.Context, req Request, m *Machine) error
}

// Runner 保证同一进程同一时间只有一个登录界面；后来者排队等待，只阻塞各自的登录请求。
type Runner struct {
	driver Driver
	slot   chan struct{}
}

func NewRunner(d Driver) *Runner {
	return &Runner{driver: d, slot: make(chan struct{}, 1)}
}

func (r *Runner) acquire(ctx context.Context) error {
	select {
	case r.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exclusive 占住登录槽位执行不经浏览器的登录流程（如终端扫码），与 Run 互斥。
func (r *Runner) Exclusive(ctx context.Context, title string, fn func(context.Context) error) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-r.slot }()
	slog.Info("开始登录", "title", title)
	return fn(ctx)
}

func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.Matcher == nil {
		return Outcome{}, fmt.Errorf("登录请求缺少 matcher: %s", req.Title)
	}
	if err := r.acquire(ctx); err != nil {
		return Outcome{State: StateCancelled}, err
	}
	defer func() { <-r.slot }()

	m := NewMachine(req.Matcher)
	m.Start(req.URL)
	slog.Info("打开登录窗口", "title", req.Title)
	if err := r.driver.Drive(ctx, req, m); err != nil {
		return m.Result(), err
	}
	out := m.Result()
	switch out.State {
	case StateSucceeded:
		return out, nil
	case StateFailed:
		return out, ErrFailed
	case StateCancelled:
		return out, ErrCancelled
	default:
		return out, ErrNotStarted
	}
}
