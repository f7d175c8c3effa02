package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = 1

const RequestIDHeader = "X-Request-Id"

// 游戏客户端不会带 request id；只有本机调试工具（curl 等）手动指定时才沿用。
const maxInboundRequestIDLen = 64

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !validInboundRequestID(rid) {
			rid = newRequestID()
		}
		// 回给客户端前先写头，转发出去的请求不携带这个头。
		w.Header().Set(RequestIDHeader, rid)
		r.Header.Del(RequestIDHeader)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), rid)))
	})
}

func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

func GetRequestID(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

func validInboundRequestID(rid string) bool {
	if rid == "" || len(rid) > maxInboundRequestIDLen {
		return false
	}
	return strings.IndexFunc(rid, func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.')
	}) < 0
}

// newRequestID 形如 qb-<32 位十六进制>，日志里一眼能和后端自己的 id 区分开。
func newRequestID() string {
	return "qb-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
