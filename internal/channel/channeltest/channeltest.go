// Package channeltest 提供渠道客户端测试用的依赖替身。
package channeltest

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"qrbridge/internal/channel"
	"qrbridge/internal/devprofile"
	"qrbridge/internal/weblogin"
)

// Federation 记录每次 uni_sauth 调用，并把 ExtraUniSDKData 填成 "extra:<gameID>"。
type Federation struct {
	Err error

	mu    sync.Mutex
	calls []channel.Payload
}

func (f *Federation) Exchange(ctx context.Context, gameID string, p channel.Payload) (channel.Payload, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	if f.Err != nil {
		return channel.Payload{}, f.Err
	}
	p.ExtraUniSDKData = "extra:" + gameID
	return p, nil
}

func (f *Federation) Calls() []channel.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Payload(nil), f.calls...)
}

type Chooser struct {
	Index int
	OK    bool

	mu      sync.Mutex
	prompts [][]string
}

func (c *Chooser) Choose(ctx context.Context, title string, options []string) (int, bool) {
	c.mu.Lock()
	c.prompts = append(c.prompts, append([]string(nil), options...))
	c.mu.Unlock()
	return c.Index, c.OK
}

func (c *Chooser) Prompts() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.prompts...)
}

// Deps 组装测试依赖：真实 resty 客户端、临时目录设备档案、脚本化登录驱动。
func Deps(t testing.TB, driver weblogin.Driver) (channel.Deps, *Federation) {
	t.Helper()
	fed := &Federation{}
	return channel.Deps{
		HTTP:       channel.NewHTTPClient(channel.HTTPOptions{Timeout: 5 * time.Second}),
		Devices:    devprofile.NewFileStore(t.TempDir()),
		Login:      weblogin.NewRunner(driver),
		Federation: fed,
	}, fed
}

// Navigate 返回一个把 Text 直接作为导航地址的事件。
func Navigate(u string) weblogin.Event {
	return weblogin.Event{Kind: weblogin.EventNavigate, Text: u}
}

// OAuthCallback 生成回跳事件：从登录地址里取出 state 原样带回。
func OAuthCallback(redirectURI, code string) weblogin.Event {
	return weblogin.Event{Kind: weblogin.EventNavigate, Build: func(req weblogin.Request) string {
		state := ""
		if u, err := url.Parse(req.URL); err == nil {
			state = u.Query().Get("state")
		}
		q := url.Values{}
		q.Set("code", code)
		q.Set("state", state)
		return redirectURI + "?" + q.Encode()
	}}
}

func Console(text string) weblogin.Event {
	return weblogin.Event{Kind: weblogin.EventConsole, Text: text}
}
