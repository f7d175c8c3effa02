package weblogin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodDriver 用可见的 Chromium 窗口承载登录页；关闭窗口即取消，没有超时。
type RodDriver struct {
	Bin         string
	Headless    bool
	UserDataDir string
}

func (d *RodDriver) launch(ctx context.Context) (*rod.Browser, error) {
	l := launcher.New().
		Headless(d.Headless).
		Devtools(false).
		Set("disable-blink-features", "AutomationControlled")
	if strings.TrimSpace(d.Bin) != "" {
		l = l.Bin(d.Bin)
	}
	if strings.TrimSpace(d.UserDataDir) != "" {
		l = l.UserDataDir(d.UserDataDir)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}
	browser := rod.New().ControlURL(u).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		slog.Warn("订阅浏览器 target 事件失败", "err", err)
	}
	return browser, nil
}

func (d *RodDriver) Drive(ctx context.Context, req Request, m *Machine) error {
	browser, err := d.launch(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = browser.Close() }()

	page, err := stealth.Page(browser)
	if err != nil {
		return fmt.Errorf("创建页面失败: %w", err)
	}
	for _, js := range req.InitScripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			return fmt.Errorf("注入页面脚本失败: %w", err)
		}
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	markClosed := func() { closeOnce.Do(func() { close(closed) }) }

	go page.EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame != nil && e.Frame.ParentID == "" {
			m.OnNavigate(e.Frame.URL)
		}
	}, func(e *proto.RuntimeConsoleAPICalled) {
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			parts = append(parts, consoleArg(arg))
		}
		m.OnConsoleMessage(strings.Join(parts, " "))
	})()

	go browser.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		if e.TargetID == page.TargetID {
			markClosed()
			return true
		}
		return false
	}, func(e *proto.TargetDetachedFromTarget) bool {
		if e.TargetID == page.TargetID {
			markClosed()
			return true
		}
		return false
	})()

	if err := page.Navigate(req.URL); err != nil {
		return fmt.Errorf("打开登录页失败: %w", err)
	}

	select {
	case <-m.Done():
	case <-closed:
		m.OnClosed()
	case <-ctx.Done():
		m.OnClosed()
		return ctx.Err()
	}

	if m.Result().State == StateSucceeded && req.WantCookies {
		cookies, err := page.Cookies(nil)
		if err != nil {
			slog.Warn("读取登录 cookie 失败", "title", req.Title, "err", err)
		} else {
			m.SetCookies(convertCookies(cookies))
		}
	}
	return nil
}

func consoleArg(o *proto.RuntimeRemoteObject) string {
	if o == nil {
		return ""
	}
	if o.Value.Nil() {
		return o.Description
	}
	return o.Value.Str()
}

func convertCookies(in []*proto.NetworkCookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, ck)
	}
	return out
}
