package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qrbridge/internal/accounts"
	"qrbridge/internal/channel"
)

const testGame = "aecfrxodyqaaaajp-g-h55"

// stubClient 模拟一个小米账号：expireFirst 为 true 时第一次取载荷返回会话失效。
type stubClient struct {
	mu          sync.Mutex
	sess        channel.XiaomiSession
	expireFirst bool
	loginAs     string
	logins      int
}

func (c *stubClient) Kind() channel.Kind { return channel.KindXiaomi }

func (c *stubClient) Session() channel.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return channel.NewXiaomiSession(c.sess)
}

func (c *stubClient) Identity() channel.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return channel.Identity{ExternalID: c.sess.FUID}
}

func (c *stubClient) TokenValid(ctx context.Context) bool { return true }

func (c *stubClient) RequestUserLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins++
	c.sess.FUID = c.loginAs
	c.sess.Token = "t2"
	return nil
}

func (c *stubClient) UniSDKData(ctx context.Context, gameID string) (channel.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expireFirst {
		c.expireFirst = false
		c.sess.Token = ""
		return channel.Payload{}, channel.Errorf(channel.ErrSessionExpired, "token 失效")
	}
	return channel.Payload{
		UserID:       c.sess.FUID,
		Token:        "sess-" + c.sess.Token,
		LoginChannel: "xiaomi_app",
		UDID:         "dev-1",
		AppChannel:   "xiaomi_app",
	}, nil
}

type stubFactory struct {
	client *stubClient
}

func (f *stubFactory) New(kind channel.Kind, sess channel.Session) (channel.Client, error) {
	if kind != channel.KindXiaomi {
		return nil, channel.Errorf(channel.ErrUnsupported, "unexpected kind %s", kind)
	}
	if sess.Xiaomi != nil {
		f.client.mu.Lock()
		f.client.sess = *sess.Xiaomi
		f.client.mu.Unlock()
	}
	return f.client, nil
}

type fakeBackend struct {
	srv *httptest.Server
}

func (b fakeBackend) Client() *http.Client {
	return b.srv.Client()
}

func (b fakeBackend) URL(pathAndQuery string) string {
	return b.srv.URL + pathAndQuery
}

type backendCalls struct {
	mu      sync.Mutex
	paths   []string
	scanQ   url.Values
	confirm url.Values
}

func (c *backendCalls) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func newBackend(t *testing.T, scanStatus, confirmStatus int, confirmBody string) (fakeBackend, *backendCalls) {
	t.Helper()
	calls := &backendCalls{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.mu.Lock()
		calls.paths = append(calls.paths, r.Method+" "+r.URL.Path)
		calls.mu.Unlock()
		switch r.URL.Path {
		case scanPath:
			calls.mu.Lock()
			calls.scanQ = r.URL.Query()
			calls.mu.Unlock()
			w.WriteHeader(scanStatus)
			_, _ = io.WriteString(w, `{"code":0}`)
		case confirmPath:
			if err := r.ParseForm(); err != nil {
				t.Errorf("ParseForm: %v", err)
			}
			calls.mu.Lock()
			calls.confirm = r.PostForm
			calls.mu.Unlock()
			w.WriteHeader(confirmStatus)
			_, _ = io.WriteString(w, confirmBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return fakeBackend{srv: srv}, calls
}

func newStore(t *testing.T, f accounts.ClientFactory, list ...accounts.ChannelAccount) *accounts.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	raw, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return accounts.NewStore(path, f)
}

func xiaomiAccount(id, fuid string) accounts.ChannelAccount {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return accounts.ChannelAccount{
		UUID:        id,
		Kind:        channel.KindXiaomi,
		DisplayName: "米-" + fuid,
		CreatedAt:   at,
		LastLoginAt: at,
		ExternalID:  fuid,
		Session:     channel.NewXiaomiSession(channel.XiaomiSession{FUID: fuid, Token: "t1"}),
	}
}

func TestSimulateScan_DebugScannerSkipsBackend(t *testing.T) {
	t.Parallel()

	backend, calls := newBackend(t, http.StatusOK, http.StatusOK, `{"code":0}`)
	store := newStore(t, &stubFactory{client: &stubClient{}}, xiaomiAccount("a1", "1001"))
	b := New(store, backend, "Kinich", nil)

	got, err := b.SimulateScan(context.Background(), "a1", "Kinich", testGame)
	if err != nil {
		t.Fatalf("SimulateScan: %v", err)
	}
	if n := calls.count(); n != 0 {
		t.Fatalf("backend calls = %d, want 0", n)
	}
	if !got.Debug || got.Payload == nil {
		t.Fatalf("got %+v, want debug payload", got)
	}
	if got.Payload.UserID != "1001" || got.Payload.ScannerUUID != "Kinich" || got.Payload.GameID != testGame {
		t.Fatalf("payload = %+v", *got.Payload)
	}
}

func TestSimulateScan_ScanThenConfirm(t *testing.T) {
	t.Parallel()

	backend, calls := newBackend(t, http.StatusOK, http.StatusOK, `{"code":0,"user":{"id":"u"}}`)
	store := newStore(t, &stubFactory{client: &stubClient{}}, xiaomiAccount("a1", "1001"))
	b := New(store, backend, "Kinich", nil)

	got, err := b.SimulateScan(context.Background(), "a1", "qr-1", testGame)
	if err != nil {
		t.Fatalf("SimulateScan: %v", err)
	}
	if got.Debug || got.Payload != nil {
		t.Fatalf("got %+v, want backend confirmation only", got)
	}
	if string(got.Response) != `{"code":0,"user":{"id":"u"}}` {
		t.Fatalf("Response = %s", got.Response)
	}

	calls.mu.Lock()
	defer calls.mu.Unlock()
	want := []string{"GET " + scanPath, "POST " + confirmPath}
	if len(calls.paths) != len(want) || calls.paths[0] != want[0] || calls.paths[1] != want[1] {
		t.Fatalf("paths = %v, want %v", calls.paths, want)
	}
	if calls.scanQ.Get("uuid") != "qr-1" || calls.scanQ.Get("game_id") != testGame {
		t.Fatalf("scan query = %v", calls.scanQ)
	}
	for k, v := range map[string]string{
		"user_id":       "1001",
		"token":         "sess-t1",
		"login_channel": "xiaomi_app",
		"uuid":          "qr-1",
		"game_id":       testGame,
	} {
		if got := calls.confirm.Get(k); got != v {
			t.Fatalf("confirm %s = %q, want %q", k, got, v)
		}
	}

	acc, err := store.Query("a1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !acc.LastLoginAt.After(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("LastLoginAt = %v, want touched", acc.LastLoginAt)
	}
}

func TestSimulateScan_ReloginOnExpiredSession(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t, http.StatusOK, http.StatusOK, `{"code":0}`)
	client := &stubClient{expireFirst: true, loginAs: "1001"}
	store := newStore(t, &stubFactory{client: client}, xiaomiAccount("a1", "1001"))
	b := New(store, backend, "Kinich", nil)

	got, err := b.SimulateScan(context.Background(), "a1", "Kinich", testGame)
	if err != nil {
		t.Fatalf("SimulateScan: %v", err)
	}
	if client.logins != 1 {
		t.Fatalf("logins = %d, want 1", client.logins)
	}
	if got.Payload.Token != "sess-t2" {
		t.Fatalf("Token = %q, want %q", got.Payload.Token, "sess-t2")
	}
	acc, err := store.Query("a1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if acc.Session.Xiaomi == nil || acc.Session.Xiaomi.Token != "t2" {
		t.Fatalf("stored session = %+v, want refreshed token", acc.Session.Xiaomi)
	}
}

func TestSimulateScan_ReloginAsOtherAccountRejected(t *testing.T) {
	t.Parallel()

	backend, calls := newBackend(t, http.StatusOK, http.StatusOK, `{"code":0}`)
	client := &stubClient{expireFirst: true, loginAs: "2002"}
	store := newStore(t, &stubFactory{client: client}, xiaomiAccount("a1", "1001"))
	b := New(store, backend, "Kinich", nil)

	_, err := b.SimulateScan(context.Background(), "a1", "qr-1", testGame)
	if !channel.Is(err, channel.ErrRejected) {
		t.Fatalf("err = %v, want rejected", err)
	}
	if n := calls.count(); n != 0 {
		t.Fatalf("backend calls = %d, want 0", n)
	}
	acc, err := store.Query("a1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if acc.Session.Xiaomi == nil || acc.Session.Xiaomi.FUID != "1001" {
		t.Fatalf("stored session = %+v, want original account kept", acc.Session.Xiaomi)
	}
}

func TestSimulateScan_BackendFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		scanStatus    int
		confirmStatus int
		confirmBody   string
		wantCalls     int
	}{
		{name: "scan rejected", scanStatus: http.StatusForbidden, confirmStatus: http.StatusOK, confirmBody: `{}`, wantCalls: 1},
		{name: "confirm rejected", scanStatus: http.StatusOK, confirmStatus: http.StatusBadRequest, confirmBody: `{}`, wantCalls: 2},
		{name: "confirm not json", scanStatus: http.StatusOK, confirmStatus: http.StatusOK, confirmBody: `<html>`, wantCalls: 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend, calls := newBackend(t, tc.scanStatus, tc.confirmStatus, tc.confirmBody)
			store := newStore(t, &stubFactory{client: &stubClient{}}, xiaomiAccount("a1", "1001"))
			b := New(store, backend, "Kinich", nil)

			_, err := b.SimulateScan(context.Background(), "a1", "qr-1", testGame)
			if !errors.Is(err, ErrBackend) {
				t.Fatalf("err = %v, want ErrBackend", err)
			}
			if n := calls.count(); n != tc.wantCalls {
				t.Fatalf("backend calls = %d, want %d", n, tc.wantCalls)
			}
		})
	}
}

func TestSimulateScan_TransportFailure(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t, http.StatusOK, http.StatusOK, `{}`)
	backend.srv.Close()
	store := newStore(t, &stubFactory{client: &stubClient{}}, xiaomiAccount("a1", "1001"))
	b := New(store, backend, "Kinich", nil)

	_, err := b.SimulateScan(context.Background(), "a1", "qr-1", testGame)
	if !channel.Is(err, channel.ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestSimulateScan_ReplaysScanImportedAccount(t *testing.T) {
	t.Parallel()

	backend, calls := newBackend(t, http.StatusOK, http.StatusOK, `{"code":0}`)
	store := newStore(t, &stubFactory{client: &stubClient{}})
	acc, err := store.ImportFromScan(testGame, []byte(`{"user":{"nickname":"官方"}}`), channel.Payload{
		UserID:       "aibgsabc",
		Token:        "tok",
		LoginChannel: "netease",
	})
	if err != nil {
		t.Fatalf("ImportFromScan: %v", err)
	}
	b := New(store, backend, "Kinich", nil)

	if _, err := b.SimulateScan(context.Background(), acc.UUID, "qr-9", testGame); err != nil {
		t.Fatalf("SimulateScan: %v", err)
	}
	calls.mu.Lock()
	defer calls.mu.Unlock()
	if calls.confirm.Get("user_id") != "aibgsabc" || calls.confirm.Get("uuid") != "qr-9" {
		t.Fatalf("confirm form = %v", calls.confirm)
	}
}

func TestSimulateScan_UnknownAccount(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t, http.StatusOK, http.StatusOK, `{}`)
	store := newStore(t, &stubFactory{client: &stubClient{}})
	b := New(store, backend, "Kinich", nil)

	if _, err := b.SimulateScan(context.Background(), "missing", "qr-1", testGame); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
