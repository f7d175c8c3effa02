// Package middleware 提供劫持前端在 net/http 上使用的中间件链：request id、访问日志与请求体缓存。
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
