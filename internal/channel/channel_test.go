package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, k := range Kinds {
		got, err := ParseKind(" " + strings.ToUpper(string(k)) + " ")
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseKind("steam"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if KindGeneric.Interactive() {
		t.Fatalf("generic must not be interactive")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: i/o timeout")
	err := fmt.Errorf("huawei token: %w", Wrap(ErrTransport, base))
	if code, ok := CodeOf(err); !ok || code != ErrTransport {
		t.Fatalf("CodeOf = %q, %v", code, ok)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if msg := UserMessage(err); !strings.Contains(msg, "连接超时") {
		t.Fatalf("UserMessage = %q", msg)
	}
	if Wrap(ErrTransport, nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
	if !IsSessionExpired(Errorf(ErrSessionExpired, "refresh rejected")) {
		t.Fatalf("expected session expired")
	}
	if UserMessage(errors.New("x")) != "发生未知错误" {
		t.Fatalf("unexpected message for untyped error")
	}
}

func TestFields_Strictness(t *testing.T) {
	t.Parallel()

	f, err := ParseFields([]byte(`{"s":"v","n":12,"f":1.5,"id":123456789012,"b":true,"a":[1],"o":{"x":"y"},"empty":""}`))
	if err != nil {
		t.Fatalf("ParseFields: %v", err)
	}
	if s, err := f.RequireString("s"); err != nil || s != "v" {
		t.Fatalf("RequireString = %q, %v", s, err)
	}
	if n, err := f.RequireInt("n"); err != nil || n != 12 {
		t.Fatalf("RequireInt = %d, %v", n, err)
	}
	if id, err := f.RequireID("id"); err != nil || id != "123456789012" {
		t.Fatalf("RequireID = %q, %v", id, err)
	}
	if b, err := f.RequireBool("b"); err != nil || !b {
		t.Fatalf("RequireBool = %v, %v", b, err)
	}
	if o, err := f.RequireObject("o"); err != nil || o.OptionalString("x") != "y" {
		t.Fatalf("RequireObject = %v", err)
	}

	bad := []func() error{
		func() error { _, err := f.RequireString("missing"); return err },
		func() error { _, err := f.RequireString("n"); return err },
		func() error { _, err := f.RequireString("empty"); return err },
		func() error { _, err := f.RequireInt("s"); return err },
		func() error { _, err := f.RequireInt("f"); return err },
		func() error { _, err := f.RequireArray("o"); return err },
		func() error { _, err := f.RequireObject("a"); return err },
		func() error { _, err := f.RequireBool("s"); return err },
	}
	for i, fn := range bad {
		if err := fn(); !Is(err, ErrProtocolShape) {
			t.Fatalf("case %d: err = %v, want protocol_shape", i, err)
		}
	}

	for _, body := range []string{"not json", `[1,2]`, `"str"`} {
		if _, err := ParseFields([]byte(body)); !Is(err, ErrProtocolShape) {
			t.Fatalf("ParseFields(%q) err = %v", body, err)
		}
	}
}

func TestSession_JSONDiscriminator(t *testing.T) {
	t.Parallel()

	in := NewHuaweiSession(HuaweiSession{AccessToken: "a", RefreshToken: "r", OpenID: "o", ExpiresAt: time.Unix(1700000000, 0).UTC()})
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"huawei"`) || strings.Contains(string(raw), `"xiaomi"`) {
		t.Fatalf("unexpected json: %s", raw)
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kind != KindHuawei || out.Huawei == nil || out.Huawei.OpenID != "o" {
		t.Fatalf("unexpected session: %+v", out)
	}

	mismatched := `{"kind":"vivo","huawei":{"access_token":"a"}}`
	if err := json.Unmarshal([]byte(mismatched), &out); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if err := json.Unmarshal([]byte(`{"kind":"steam"}`), &out); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if !(Session{Kind: KindOPPO}).Empty() {
		t.Fatalf("expected empty session")
	}
}

func TestPayloadForm(t *testing.T) {
	t.Parallel()

	p := Payload{UserID: "u", Token: "t", LoginChannel: "huawei", ScannerUUID: "qr", GameID: "g"}
	v := p.Form()
	if v.Get("user_id") != "u" || v.Get("uuid") != "qr" || v.Get("game_id") != "g" || v.Get("login_channel") != "huawei" {
		t.Fatalf("unexpected form: %v", v)
	}
	if _, ok := v["extra_unisdk_data"]; !ok {
		t.Fatalf("extra_unisdk_data should always be present")
	}
	if err := (Payload{UserID: "u"}).Validate(); !Is(err, ErrProtocolShape) {
		t.Fatalf("Validate err = %v", err)
	}
}

type fixedChooser struct {
	idx int
	ok  bool
	n   int
}

func (c *fixedChooser) Choose(ctx context.Context, title string, options []string) (int, bool) {
	c.n++
	return c.idx, c.ok
}

func TestDepsChoose(t *testing.T) {
	t.Parallel()

	opts := []string{"a", "b", "c"}
	ch := &fixedChooser{idx: 2, ok: true}
	d := Deps{Chooser: ch}
	if got := d.Choose(context.Background(), "t", opts, 1, 0); got != 1 || ch.n != 0 {
		t.Fatalf("remembered choice should win without prompting: got %d prompts %d", got, ch.n)
	}
	if got := d.Choose(context.Background(), "t", opts, -1, 0); got != 2 {
		t.Fatalf("prompt choice = %d, want 2", got)
	}
	d.Chooser = &fixedChooser{ok: false}
	if got := d.Choose(context.Background(), "t", opts, -1, 1); got != 1 {
		t.Fatalf("fallback = %d, want 1", got)
	}
	if got := (Deps{}).Choose(context.Background(), "t", opts, 7, 0); got != 0 {
		t.Fatalf("out of range remembered should fall back: %d", got)
	}
}

func TestBody_TransportErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		if r.Header.Get("User-Agent") != "ua-test" {
			http.Error(w, "ua", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{Timeout: 5 * time.Second, UserAgent: "ua-test"})
	body, err := Body(c.R().Get(srv.URL + "/ok"))
	if err != nil || string(body) != `{"ok":true}` {
		t.Fatalf("Body = %q, %v", body, err)
	}
	if _, err := Body(c.R().Get(srv.URL + "/fail")); !Is(err, ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
	if _, err := Body(c.R().Get("http://127.0.0.1:1/unreachable")); !Is(err, ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
}
