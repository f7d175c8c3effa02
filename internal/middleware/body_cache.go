package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

type bodyKey struct{}

// BodyCache 把请求体整体读进内存并挂到 context 上：改写层要解析它，转发时还要原样再发一遍。
func BodyCache(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			defer r.Body.Close()
			if r.ContentLength > maxBytes {
				http.Error(w, "请求体过大", http.StatusRequestEntityTooLarge)
				return
			}

			var buf bytes.Buffer
			n, err := buf.ReadFrom(io.LimitReader(r.Body, maxBytes+1))
			switch {
			case err != nil:
				http.Error(w, "读取请求体失败", http.StatusBadRequest)
				return
			case n > maxBytes:
				http.Error(w, "请求体过大", http.StatusRequestEntityTooLarge)
				return
			}
			body := buf.Bytes()
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey{}, body)))
		})
	}
}

// CachedBody 返回 BodyCache 读入的请求体；没有经过 BodyCache 时为 nil。
func CachedBody(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyKey{}).([]byte)
	return b
}
