package channel

import (
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
)

type HTTPOptions struct {
	Timeout   time.Duration
	UserAgent string
	Proxy     string
	// Transport 仅测试注入。
	Transport http.RoundTripper
}

// NewHTTPClient 构造访问渠道服务器的 resty 客户端：不做重试（失败即本次操作失败），带 publicsuffix cookie jar。
func NewHTTPClient(opts HTTPOptions) *resty.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	c := resty.New().
		SetTimeout(opts.Timeout).
		SetCookieJar(jar).
		SetRetryCount(0).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	if opts.Transport != nil {
		c.SetTransport(opts.Transport)
	}
	if p := strings.TrimSpace(opts.Proxy); p != "" {
		c.SetProxy(p)
	}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		c.SetHeader("User-Agent", ua)
	}
	return c
}

// Body 把 resty 的返回统一成 body 或 ErrTransport：网络错误与非 2xx 都视为传输失败。
func Body(resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, Wrap(ErrTransport, err)
	}
	if resp == nil {
		return nil, Errorf(ErrTransport, "空响应")
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		snippet := strings.TrimSpace(string(resp.Body()))
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, Errorf(ErrTransport, "HTTP %d: %s", resp.StatusCode(), snippet)
	}
	return resp.Body(), nil
}
