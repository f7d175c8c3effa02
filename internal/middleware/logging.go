package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"qrbridge/internal/obs"
)

// recorder 记下状态码与写出的字节数，其余行为透传给下层 ResponseWriter。
type recorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *recorder) Flush() {
	if fl, ok := rw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (rw *recorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// AccessLog 为每个劫持到的请求打一行日志。查询串、请求体与 Cookie 里可能有登录凭据，一律不记。
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		obs.RecordInterceptedRequest()
		rw := &recorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rw, r)

		slog.Log(r.Context(), accessLevel(rw.status), "access",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", rw.status,
			"bytes", rw.written,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

func accessLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case status == 0:
		// 处理器什么都没写，客户端多半已经断开。
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
