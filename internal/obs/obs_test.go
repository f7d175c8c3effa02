package obs

import (
	"bytes"
	"context"
	"expvar"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerTo_Level(t *testing.T) {
	t.Parallel()

	cases := []struct {
		env       string
		wantDebug bool
	}{
		{env: "dev", wantDebug: true},
		{env: "prod", wantDebug: false},
		{env: "", wantDebug: false},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		l := NewLoggerTo(&buf, tc.env)
		if got := l.Enabled(context.Background(), slog.LevelDebug); got != tc.wantDebug {
			t.Fatalf("env=%q debug enabled = %v, want %v", tc.env, got, tc.wantDebug)
		}
		l.Info("启动", "k", "v")
		if !strings.Contains(buf.String(), `"k":"v"`) {
			t.Fatalf("env=%q output = %q, want json attrs", tc.env, buf.String())
		}
	}
}

func TestCounters(t *testing.T) {
	before := Snapshot()
	RecordRewriteFallback()
	RecordBridgeResult(true)
	RecordBridgeResult(false)
	RecordInterceptedRequest()
	after := Snapshot()

	for _, k := range []string{"rewrite_fallbacks", "bridged_logins", "bridge_failures", "intercepted_requests"} {
		if after[k] != before[k]+1 {
			t.Fatalf("%s = %d, want %d", k, after[k], before[k]+1)
		}
	}

	RecordChannelLogin("huawei", true)
	v := expvar.Get("channel_logins")
	if v == nil || !strings.Contains(v.String(), `"huawei:ok"`) {
		t.Fatalf("channel_logins = %v, want huawei:ok key", v)
	}
}
