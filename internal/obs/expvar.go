package obs

import (
	"expvar"
	"sync/atomic"
)

var (
	interceptedRequests int64
	rewriteFallbacks    int64
	bridgedLogins       int64
	bridgeFailures      int64

	channelLogins = expvar.NewMap("channel_logins")
)

func init() {
	expvar.Publish("intercepted_requests", expvar.Func(func() any {
		return atomic.LoadInt64(&interceptedRequests)
	}))
	expvar.Publish("rewrite_fallbacks", expvar.Func(func() any {
		return atomic.LoadInt64(&rewriteFallbacks)
	}))
	expvar.Publish("bridged_logins", expvar.Func(func() any {
		return atomic.LoadInt64(&bridgedLogins)
	}))
	expvar.Publish("bridge_failures", expvar.Func(func() any {
		return atomic.LoadInt64(&bridgeFailures)
	}))
}

func RecordInterceptedRequest() {
	atomic.AddInt64(&interceptedRequests, 1)
}

// RecordRewriteFallback 记录一次改写失败后按原样回传的响应。
func RecordRewriteFallback() {
	atomic.AddInt64(&rewriteFallbacks, 1)
}

func RecordBridgeResult(ok bool) {
	if ok {
		atomic.AddInt64(&bridgedLogins, 1)
		return
	}
	atomic.AddInt64(&bridgeFailures, 1)
}

// RecordChannelLogin 按 "kind:result" 统计交互式登录结果。
func RecordChannelLogin(kind string, ok bool) {
	if kind == "" {
		kind = "unknown"
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	channelLogins.Add(kind+":"+result, 1)
}

// Snapshot 返回计数器当前值，供 CLI 与测试读取。
func Snapshot() map[string]int64 {
	return map[string]int64{
		"intercepted_requests": atomic.LoadInt64(&interceptedRequests),
		"rewrite_fallbacks":    atomic.LoadInt64(&rewriteFallbacks),
		"bridged_logins":       atomic.LoadInt64(&bridgedLogins),
		"bridge_failures":      atomic.LoadInt64(&bridgeFailures),
	}
}
