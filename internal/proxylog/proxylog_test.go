package proxylog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteFailure_DisabledOrNil(t *testing.T) {
	t.Parallel()

	var nilWriter *Writer
	nilWriter.WriteFailure(context.Background(), Entry{Endpoint: "x"})
	if got, err := nilWriter.Recent(10); err != nil || got != nil {
		t.Fatalf("nil Recent = %v, %v", got, err)
	}

	dir := t.TempDir()
	w := New(Config{Enable: false, Dir: dir})
	w.WriteFailure(context.Background(), Entry{Endpoint: "x"})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("disabled writer created %d files", len(entries))
	}
}

func TestWriteFailure_AppendsAndRecent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(Config{Enable: true, Dir: dir})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, ep := range []string{"pc_config", "login_methods", "device_users"} {
		w.WriteFailure(context.Background(), Entry{Time: base.Add(time.Duration(i) * time.Minute), Endpoint: ep, Path: "/p"})
	}
	w.WriteFailure(context.Background(), Entry{Time: base.Add(24 * time.Hour), Endpoint: "create_login"})

	names, err := w.files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if want := []string{"failures-20260301.jsonl", "failures-20260302.jsonl"}; strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("files = %v, want %v", names, want)
	}

	got, err := w.Recent(3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var eps []string
	for _, e := range got {
		eps = append(eps, e.Endpoint)
	}
	if strings.Join(eps, ",") != "create_login,device_users,login_methods" {
		t.Fatalf("Recent endpoints = %v", eps)
	}
}

func TestWriteFailure_PrunesOldDays(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New(Config{Enable: true, Dir: dir, MaxFiles: 2})
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		w.WriteFailure(context.Background(), Entry{Time: base.AddDate(0, 0, i), Endpoint: "pc_config"})
	}
	names, _ := w.files()
	if len(names) != 2 || names[0] != "failures-20260303.jsonl" {
		t.Fatalf("files = %v, want the newest two days", names)
	}
}

func TestEncodeLine_Trims(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("e", 5000)
	line, ok := encodeLine(Entry{Endpoint: "pc_config", ErrorMsg: long, Path: "/" + long}, 1024)
	if !ok {
		t.Fatalf("encodeLine should fit after trimming")
	}
	if len(line) > 1024 || line[len(line)-1] != '\n' {
		t.Fatalf("line len = %d, want <= 1024 ending in newline", len(line))
	}
	if _, ok := encodeLine(Entry{Endpoint: "pc_config"}, 10); ok {
		t.Fatalf("a limit smaller than the skeleton must fail")
	}
}

func TestRecent_SkipsTornLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	raw := `{"endpoint":"pc_config","path":"/a"}` + "\n" + `{"endpoint":"log`
	if err := os.WriteFile(filepath.Join(dir, "failures-20260301.jsonl"), []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := New(Config{Enable: true, Dir: dir}).Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Endpoint != "pc_config" {
		t.Fatalf("Recent = %+v", got)
	}
}
