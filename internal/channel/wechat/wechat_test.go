package wechat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qrbridge/internal/channel"
	"qrbridge/internal/channel/channeltest"
	"qrbridge/internal/config"
	"qrbridge/internal/signing"
	"qrbridge/internal/weblogin"
)

const testSalt = "wx-salt"

type fakeWeChat struct {
	mu        sync.Mutex
	polls     []string
	creates   int
	badSigns  int
	refreshOK bool
	observed  []Status
	observe   func() Status
}

func (f *fakeWeChat) checkSign(r *http.Request) {
	q := r.URL.Query()
	if q.Get("sign") != signing.MD5Hex(testSalt+q.Get("timestamp")) {
		f.mu.Lock()
		f.badSigns++
		f.mu.Unlock()
	}
}

func (f *fakeWeChat) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		f.checkSign(r)
		f.mu.Lock()
		f.creates++
		n := f.creates
		f.mu.Unlock()
		fmt.Fprintf(w, `{"errcode":0,"uuid":"qr-%d"}`, n)
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		f.checkSign(r)
		f.mu.Lock()
		if f.observe != nil {
			f.observed = append(f.observed, f.observe())
		}
		next := `{"wx_errcode":403}`
		if len(f.polls) > 0 {
			next = f.polls[0]
			f.polls = f.polls[1:]
		}
		f.mu.Unlock()
		_, _ = w.Write([]byte(next))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.checkSign(r)
		if r.URL.Query().Get("code") != "wxcode" {
			_, _ = w.Write([]byte(`{"errcode":40029,"errmsg":"invalid code"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at1","expires_in":7200,"refresh_token":"rt1","openid":"o-abcdef123456","unionid":"u1"}`))
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.checkSign(r)
		f.mu.Lock()
		ok := f.refreshOK
		f.mu.Unlock()
		if !ok || r.URL.Query().Get("refresh_token") != "rt1" {
			_, _ = w.Write([]byte(`{"errcode":42002,"errmsg":"refresh_token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at2","expires_in":7200,"refresh_token":"rt1","openid":"o-abcdef123456"}`))
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeWeChat, sess *channel.WeChatSession) (*Client, *channeltest.Federation) {
	t.Helper()
	return newTestClientWithDriver(t, fake, sess, &weblogin.ScriptedDriver{})
}

func newTestClientWithDriver(t *testing.T, fake *fakeWeChat, sess *channel.WeChatSession, driver weblogin.Driver) (*Client, *channeltest.Federation) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	deps, fed := channeltest.Deps(t, driver)
	cfg := config.WeChatConfig{
		CreateURL:  srv.URL + "/create",
		PollURL:    srv.URL + "/poll",
		TokenURL:   srv.URL + "/token",
		RefreshURL: srv.URL + "/refresh",
		AppID:      "wx123",
		Salt:       testSalt,
	}
	return New(cfg, deps, NewBoard(), sess), fed
}

func TestRequestUserLogin_StatusProgression(t *testing.T) {
	t.Parallel()

	fake := &fakeWeChat{polls: []string{
		`{"wx_errcode":408}`,
		`{"wx_errcode":404}`,
		`{"wx_errcode":405,"wx_code":"wxcode"}`,
	}}
	c, _ := newTestClient(t, fake, nil)
	fake.observe = c.Status

	if got := c.Status().State; got != StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}
	if err := c.RequestUserLogin(context.Background()); err != nil {
		t.Fatalf("RequestUserLogin: %v", err)
	}

	fake.mu.Lock()
	observed := append([]Status(nil), fake.observed...)
	bad := fake.badSigns
	fake.mu.Unlock()
	if bad != 0 {
		t.Fatalf("server saw %d bad signatures", bad)
	}
	if len(observed) != 3 {
		t.Fatalf("observed %d polls, want 3", len(observed))
	}
	if observed[0].State != StateReady || !bytes.HasPrefix(observed[0].PNG, []byte("\x89PNG")) {
		t.Fatalf("first poll status = %s (png %d bytes), want ready with PNG", observed[0].State, len(observed[0].PNG))
	}
	if observed[2].State != StateScanned {
		t.Fatalf("status before confirmation = %s, want scanned", observed[2].State)
	}

	final := c.Status()
	if final.State != StateVerified || len(final.PNG) != 0 {
		t.Fatalf("final status = %+v", final)
	}
	if id := c.Identity(); id.ExternalID != "o-abcdef123456" || id.DisplayName != "微信用户123456" {
		t.Fatalf("Identity = %+v", id)
	}
}

func TestRequestUserLogin_QRExpiryRenews(t *testing.T) {
	t.Parallel()

	fake := &fakeWeChat{polls: []string{
		`{"wx_errcode":402}`,
		`{"wx_errcode":405,"wx_code":"wxcode"}`,
	}}
	c, _ := newTestClient(t, fake, nil)
	if err := c.RequestUserLogin(context.Background()); err != nil {
		t.Fatalf("RequestUserLogin: %v", err)
	}
	fake.mu.Lock()
	creates := fake.creates
	fake.mu.Unlock()
	if creates != 2 {
		t.Fatalf("creates = %d, want 2 (renewed once)", creates)
	}
}

func TestRequestUserLogin_Failures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		polls   []string
		wantErr channel.ErrorCode
	}{
		{name: "cancelled", polls: []string{`{"wx_errcode":403}`}, wantErr: channel.ErrLoginCancelled},
		{name: "expired too often", polls: []string{`{"wx_errcode":402}`, `{"wx_errcode":402}`, `{"wx_errcode":402}`, `{"wx_errcode":402}`}, wantErr: channel.ErrLoginCancelled},
		{name: "bad code", polls: []string{`{"wx_errcode":405,"wx_code":"other"}`}, wantErr: channel.ErrRejected},
		{name: "unknown status", polls: []string{`{"wx_errcode":999}`}, wantErr: channel.ErrProtocolShape},
		{name: "missing code", polls: []string{`{"wx_errcode":405}`}, wantErr: channel.ErrProtocolShape},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, &fakeWeChat{polls: tc.polls}, nil)
			err := c.RequestUserLogin(context.Background())
			if !channel.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %s", err, tc.wantErr)
			}
			st := c.Status()
			if st.State != StateFailed || st.Message == "" {
				t.Fatalf("status = %+v, want failed with message", st)
			}
			if !c.Session().Empty() {
				t.Fatalf("session should stay unset")
			}
		})
	}
}

func TestRequestUserLogin_CancelledContext(t *testing.T) {
	t.Parallel()

	fake := &fakeWeChat{polls: []string{`{"wx_errcode":408}`, `{"wx_errcode":408}`}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	deps, _ := channeltest.Deps(t, &weblogin.ScriptedDriver{})
	c := New(config.WeChatConfig{
		CreateURL:          srv.URL + "/create",
		PollURL:            srv.URL + "/poll",
		Salt:               testSalt,
		PollIntervalMillis: 60_000,
	}, deps, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.RequestUserLogin(ctx); !channel.Is(err, channel.ErrLoginCancelled) {
		t.Fatalf("err = %v, want login_cancelled", err)
	}
}

func TestUniSDKData_Refresh(t *testing.T) {
	t.Parallel()

	expired := &channel.WeChatSession{
		OpenID: "o-abcdef123456", AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: time.Now().Add(-time.Hour), Nickname: "阿微",
	}

	t.Run("refreshed", func(t *testing.T) {
		t.Parallel()
		c, fed := newTestClient(t, &fakeWeChat{refreshOK: true}, expired)
		p, err := c.UniSDKData(context.Background(), "g1")
		if err != nil {
			t.Fatalf("UniSDKData: %v", err)
		}
		if p.Token != "at2" || p.UserID != "o-abcdef123456" || p.LoginChannel != LoginChannel {
			t.Fatalf("payload = %+v", p)
		}
		if got := c.Session().WeChat.Nickname; got != "阿微" {
			t.Fatalf("Nickname = %q, want kept across refresh", got)
		}
		if len(fed.Calls()) != 1 {
			t.Fatalf("federation calls = %d", len(fed.Calls()))
		}
	})

	t.Run("refresh token expired", func(t *testing.T) {
		t.Parallel()
		c, fed := newTestClient(t, &fakeWeChat{}, expired)
		if _, err := c.UniSDKData(context.Background(), "g1"); !channel.IsSessionExpired(err) {
			t.Fatalf("err = %v, want session_expired", err)
		}
		if got := c.Session().WeChat.RefreshToken; got != "" {
			t.Fatalf("RefreshToken = %q, want cleared", got)
		}
		if len(fed.Calls()) != 0 {
			t.Fatalf("federation must not be called")
		}
	})
}

// heldDriver 模拟一个迟迟不关闭的浏览器登录窗口。
type heldDriver struct {
	entered chan struct{}
	release chan struct{}
}

func (d *heldDriver) Drive(ctx context.Context, req weblogin.Request, m *weblogin.Machine) error {
	close(d.entered)
	<-d.release
	m.OnClosed()
	return nil
}

func TestRequestUserLogin_WaitsForBrowserLogin(t *testing.T) {
	t.Parallel()

	fake := &fakeWeChat{polls: []string{`{"wx_errcode":405,"wx_code":"wxcode"}`}}
	driver := &heldDriver{entered: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestClientWithDriver(t, fake, nil, driver)

	go func() {
		_, _ = c.deps.Login.Run(context.Background(), weblogin.Request{URL: "https://login.example/", Matcher: weblogin.MatchFuncs{}})
	}()
	<-driver.entered

	done := make(chan error, 1)
	go func() { done <- c.RequestUserLogin(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("wechat login finished while a browser login was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	fake.mu.Lock()
	creates := fake.creates
	fake.mu.Unlock()
	if creates != 0 {
		t.Fatalf("qr created %d times before the browser login closed", creates)
	}

	close(driver.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RequestUserLogin: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wechat login never acquired the login slot")
	}
	if got := c.Status().State; got != StateVerified {
		t.Fatalf("state = %s, want verified", got)
	}
}
