package front

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"qrbridge/internal/certs"
	"qrbridge/internal/config"
)

const testDomain = "service.mkey.163.com"

type fakeResolver struct {
	mu          sync.Mutex
	redirectErr error
	active      map[string]string
	restored    []string
}

func (r *fakeResolver) Redirect(domain, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redirectErr != nil {
		return r.redirectErr
	}
	if r.active == nil {
		r.active = map[string]string{}
	}
	r.active[domain] = ip
	return nil
}

func (r *fakeResolver) Restore(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, domain)
	r.restored = append(r.restored, domain)
	return nil
}

func (r *fakeResolver) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.restored)
}

type funcReclaimer func(port int) bool

func (f funcReclaimer) OfferTerminate(port int) bool { return f(port) }

func newCerts(t *testing.T) *certs.Authority {
	t.Helper()
	return certs.New(config.CertsConfig{Dir: t.TempDir()}, []string{testDomain}, nil)
}

func frontConfig() config.FrontConfig {
	return config.FrontConfig{
		Domains:      []string{testDomain},
		ListenAddr:   "127.0.0.1:0",
		LoopbackIP:   "127.0.0.1",
		FallbackAddr: "127.0.0.1:0",
	}
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	})
}

func rootPool(t *testing.T, m certs.Material) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.RootPEM) {
		t.Fatalf("append root")
	}
	return pool
}

func shutdown(t *testing.T, f *Front) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestFront_HostsMode(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{}
	f := New(Options{Config: frontConfig(), Certs: newCerts(t), Resolver: res, Handler: echoHandler()})
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.Mode() != ModeHosts {
		t.Fatalf("Mode = %q, want %q", f.Mode(), ModeHosts)
	}
	if active, _ := res.snapshot(); active != 1 {
		t.Fatalf("redirected domains = %d, want 1", active)
	}

	addr := f.Addr().String()
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: rootPool(t, f.Material()), ServerName: testDomain},
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	resp, err := client.Get("https://" + testDomain + "/mpay/games/pc_config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got := readAll(t, resp); got != "GET /mpay/games/pc_config" {
		t.Fatalf("body = %q", got)
	}

	shutdown(t, f)
	if active, restored := res.snapshot(); active != 0 || restored != 1 {
		t.Fatalf("after shutdown active=%d restored=%d, want 0 and 1", active, restored)
	}
}

func TestFront_PermissionDeniedFallsBackToProxy(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{redirectErr: fmt.Errorf("open hosts: %w", fs.ErrPermission)}
	f := New(Options{Config: frontConfig(), Certs: newCerts(t), Resolver: res, Handler: echoHandler()})
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer shutdown(t, f)
	if f.Mode() != ModeProxy {
		t.Fatalf("Mode = %q, want %q", f.Mode(), ModeProxy)
	}

	proxyURL, _ := url.Parse("http://" + f.Addr().String())
	client := &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{RootCAs: rootPool(t, f.Material())},
	}}
	resp, err := client.Post("https://"+testDomain+"/mpay/api/qrcode/create_login", "application/json", nil)
	if err != nil {
		t.Fatalf("POST through proxy: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := readAll(t, resp); got != "POST /mpay/api/qrcode/create_login" {
		t.Fatalf("body = %q", got)
	}
}

func TestFront_ResolverErrorIsFatal(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{redirectErr: errors.New("disk full")}
	f := New(Options{Config: frontConfig(), Certs: newCerts(t), Resolver: res, Handler: echoHandler()})
	if err := f.Start(context.Background()); err == nil {
		t.Fatalf("expected Start error")
	}
}

func TestFront_PortReclaim(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		accept  bool
		wantErr bool
	}{
		{name: "declined", accept: false, wantErr: true},
		{name: "terminated", accept: true, wantErr: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			occupant, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			defer occupant.Close()
			cfg := frontConfig()
			cfg.ListenAddr = occupant.Addr().String()

			var offered []int
			res := &fakeResolver{}
			f := New(Options{
				Config:   cfg,
				Certs:    newCerts(t),
				Resolver: res,
				Handler:  echoHandler(),
				Reclaimer: funcReclaimer(func(port int) bool {
					offered = append(offered, port)
					if tc.accept {
						_ = occupant.Close()
					}
					return tc.accept
				}),
			})
			err = f.Start(context.Background())
			if len(offered) != 1 || offered[0] != occupant.Addr().(*net.TCPAddr).Port {
				t.Fatalf("offered = %v, want one offer for the occupied port", offered)
			}
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected Start error")
				}
				if active, _ := res.snapshot(); active != 0 {
					t.Fatalf("hosts should be restored after failed start, active=%d", active)
				}
				return
			}
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			shutdown(t, f)
		})
	}
}

func TestFront_ForceFallbackSkipsResolver(t *testing.T) {
	t.Parallel()

	cfg := frontConfig()
	cfg.ForceFallback = true
	res := &fakeResolver{}
	f := New(Options{Config: cfg, Certs: newCerts(t), Resolver: res, Handler: echoHandler()})
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.Mode() != ModeProxy {
		t.Fatalf("Mode = %q, want %q", f.Mode(), ModeProxy)
	}
	if err := f.Start(context.Background()); err == nil {
		t.Fatalf("second Start should fail")
	}
	shutdown(t, f)
	if active, restored := res.snapshot(); active != 0 || restored != 0 {
		t.Fatalf("resolver touched: active=%d restored=%d", active, restored)
	}
}
