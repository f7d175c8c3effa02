package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAccessLog_DoesNotLogCredentials(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	secret := "token_should_not_appear"
	req := httptest.NewRequest(http.MethodGet, "https://service.mkey.163.com/mpay/api/qrcode/query?token="+secret, nil)
	req.Header.Set("Cookie", "sess="+secret)

	rr := httptest.NewRecorder()
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), RequestID, AccessLog)

	h.ServeHTTP(rr, req)

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("log contains secret: %s", out)
	}
	if !strings.Contains(out, `"host":"service.mkey.163.com"`) {
		t.Fatalf("log missing host: %s", out)
	}
}

func TestBodyCache(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		body       string
		max        int64
		wantStatus int
	}{
		{name: "within limit", body: `{"arch":"x64"}`, max: 64, wantStatus: http.StatusOK},
		{name: "too large", body: strings.Repeat("a", 65), max: 64, wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var cached, streamed []byte
			h := BodyCache(tc.max)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				cached = CachedBody(r.Context())
				streamed, _ = io.ReadAll(r.Body)
			}))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body)))

			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantStatus)
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			if string(cached) != tc.body || string(streamed) != tc.body {
				t.Fatalf("cached = %q, streamed = %q, want %q", cached, streamed, tc.body)
			}
		})
	}
}

func TestAccessLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   slog.Level
	}{
		{status: http.StatusOK, want: slog.LevelInfo},
		{status: http.StatusForbidden, want: slog.LevelInfo},
		{status: http.StatusBadGateway, want: slog.LevelWarn},
		{status: 0, want: slog.LevelDebug},
	}
	for _, tc := range cases {
		if got := accessLevel(tc.status); got != tc.want {
			t.Fatalf("accessLevel(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
