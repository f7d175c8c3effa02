package front

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/elazarl/goproxy"
)

type proxyLogger struct{ log *slog.Logger }

func (l proxyLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), "component", "goproxy")
}

// newMITMProxy 只对劫持域名做 MITM，解密后的请求交给 handler；其他 CONNECT 直接隧道转发。
func newMITMProxy(domains []string, leaf tls.Certificate, handler http.Handler, log *slog.Logger) *goproxy.ProxyHttpServer {
	targets := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		targets[strings.ToLower(d)] = struct{}{}
	}
	isTarget := func(hostport string) bool {
		host := hostport
		if h, _, err := net.SplitHostPort(hostport); err == nil {
			host = h
		}
		_, ok := targets[strings.ToLower(host)]
		return ok
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.Logger = proxyLogger{log: log}

	tlsCfg := serverTLSConfig(leaf)
	mitm := &goproxy.ConnectAction{
		Action: goproxy.ConnectMitm,
		TLSConfig: func(string, *goproxy.ProxyCtx) (*tls.Config, error) {
			return tlsCfg, nil
		},
	}
	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if !isTarget(host) {
			return goproxy.OkConnect, host
		}
		log.Debug("代理模式 MITM", "host", host)
		return mitm, host
	}))

	inTargets := goproxy.ReqConditionFunc(func(req *http.Request, _ *goproxy.ProxyCtx) bool {
		return isTarget(req.URL.Host) || isTarget(req.Host)
	})
	proxy.OnRequest(inTargets).DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		resp := rec.Result()
		resp.ContentLength = int64(rec.Body.Len())
		resp.Request = req
		return req, resp
	})
	return proxy
}
