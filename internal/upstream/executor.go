// Package upstream 封装对真实后端的 HTTP 调用：显式 IP + uTLS 握手、保留请求形态、禁止重定向。
package upstream

import (
	"bytes"
	"context"
	"crypto/x509"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qrbridge/internal/config"
)

type Executor struct {
	client *http.Client
	base   *url.URL
	domain string
}

type Option func(*options)

type options struct {
	rootCAs *x509.CertPool
}

// WithRootCAs 替换校验后端证书用的根证书池（默认使用系统根）。
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *options) { o.rootCAs = pool }
}

func NewExecutor(cfg config.BackendConfig, opts ...Option) *Executor {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	dialer := &utlsDialer{
		target: &targetResolver{
			domain:    cfg.Domain,
			fixedIP:   cfg.TargetIP,
			dnsServer: cfg.DNSServer,
			timeout:   time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		},
		port:             cfg.Port,
		serverName:       cfg.Domain,
		rootCAs:          o.rootCAs,
		dialTimeout:      time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		handshakeTimeout: time.Duration(cfg.TLSHandshakeTimeoutSeconds) * time.Second,
	}
	// 只走 HTTP/1.1：uTLS 握手的 ALPN 只声明 http/1.1。不设整体超时，交给请求 ctx。
	client := &http.Client{
		Transport: &http.Transport{
			DialTLSContext:  dialer.DialTLSContext,
			MaxIdleConns:    32,
			IdleConnTimeout: time.Duration(cfg.IdleConnTimeoutSeconds) * time.Second,
		},
		// 3xx 原样交还给游戏客户端。
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	host := cfg.Domain
	if cfg.Port != 0 && cfg.Port != 443 {
		host += ":" + strconv.Itoa(cfg.Port)
	}
	return &Executor{
		client: client,
		base:   &url.URL{Scheme: "https", Host: host},
		domain: cfg.Domain,
	}
}

// Client 返回直连真实后端的 http.Client，供登录桥等内部调用复用。
func (e *Executor) Client() *http.Client { return e.client }

// URL 把路径与 query 拼到真实后端地址上。
func (e *Executor) URL(pathAndQuery string) string {
	u := *e.base
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		u.RawQuery = pathAndQuery[i+1:]
		pathAndQuery = pathAndQuery[:i]
	}
	u.Path = pathAndQuery
	return u.String()
}

// Do 按下游请求原样转发：方法、路径、query、Cookie 与非 hop-by-hop 头都保留；body 由调用方传入（可能已改写）。
func (e *Executor) Do(ctx context.Context, downstream *http.Request, body []byte) (*http.Response, error) {
	target := *e.base
	target.Path = downstream.URL.Path
	target.RawPath = downstream.URL.RawPath
	target.RawQuery = downstream.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, downstream.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, downstream.Header)
	req.Host = e.base.Host
	return e.client.Do(req)
}

// hopHeaders 只在单跳连接上有意义，转发时不能带过去；Host 与 Content-Length 交给 net/http 重新计算。
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	"Proxy-Authenticate", "Proxy-Authorization",
	"Host", "Content-Length",
}

// connectionTokens 取出 Connection 头里点名的附加逐跳头。
func connectionTokens(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, http.CanonicalHeaderKey(tok))
			}
		}
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, k := range append(connectionTokens(src), hopHeaders...) {
		skip[k] = true
	}
	for k, vs := range src {
		if !skip[http.CanonicalHeaderKey(k)] {
			dst[k] = append(dst[k], vs...)
		}
	}
}

// CopyResponseHeaders 把上游响应头写回下游，同样剥离逐跳头。
func CopyResponseHeaders(dst, src http.Header) {
	copyHeaders(dst, src)
}
