package rewrite

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

func compress(t *testing.T, enc, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w interface {
		Write([]byte) (int, error)
		Close() error
	}
	switch enc {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	default:
		return []byte(s)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("compress %s: %v", enc, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", enc, err)
	}
	return buf.Bytes()
}

func TestDecodedBody(t *testing.T) {
	t.Parallel()

	const plain = `{"uuid":"qr-1"}`
	for _, enc := range []string{"", "identity", "gzip", "deflate", "br"} {
		h := http.Header{}
		if enc != "" {
			h.Set("Content-Encoding", enc)
		}
		got, err := decodedBody(h, compress(t, enc, plain))
		if err != nil || string(got) != plain {
			t.Fatalf("%q: decodedBody = %q, %v", enc, got, err)
		}
	}
	h := http.Header{"Content-Encoding": {"zstd"}}
	if _, err := decodedBody(h, []byte("x")); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}

// gzipBackend 只在客户端声明支持 gzip 时压缩，模拟真实后端的协商。
func gzipBackend(body []byte, plain string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Accept-Encoding") == "gzip" {
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(body)
			return
		}
		_, _ = w.Write([]byte(plain))
	})
}

func TestForward_ObservedEndpointKeepsUpstreamEncoding(t *testing.T) {
	t.Parallel()

	const plain = `{"uuid":"qr-gz"}`
	zipped := compress(t, "gzip", plain)
	env := newEnv(t, gzipBackend(zipped, plain), nil)

	req := httptest.NewRequest(http.MethodGet, "/mpay/api/qrcode/create_login?game_id=g1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := env.do(req)
	env.router.Wait()

	if got := env.forwarder.last().header.Get("Accept-Encoding"); got != "gzip" {
		t.Fatalf("forwarded Accept-Encoding = %q, want client's gzip", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), zipped) || rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("client got %d bytes (encoding %q), want the upstream gzip bytes", rec.Body.Len(), rec.Header().Get("Content-Encoding"))
	}
	if peek := env.router.opts.Pending.Peek("g1"); len(peek) != 1 || peek[0].QRCodeUUID != "qr-gz" {
		t.Fatalf("pending = %+v, want qr-gz observed through gzip", peek)
	}
}

func TestForward_MutatedEndpointDropsAcceptEncoding(t *testing.T) {
	t.Parallel()

	env := newEnv(t, jsonBackend(http.StatusOK, `{"version":"1.0.0"}`), func(o *Options) {
		o.Rewrite.VersionOverride = "9.9.9"
	})
	req := httptest.NewRequest(http.MethodGet, "/mpay/games/pc_config", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := env.do(req)

	if got := env.forwarder.last().header.Get("Accept-Encoding"); got != "" {
		t.Fatalf("forwarded Accept-Encoding = %q, want stripped", got)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("9.9.9")) {
		t.Fatalf("body = %s, want version override", rec.Body.String())
	}
}
