package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestPromptChooser(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		wantIdx int
		wantOK  bool
	}{
		{name: "second", input: "2\n", wantIdx: 1, wantOK: true},
		{name: "no newline", input: "1", wantIdx: 0, wantOK: true},
		{name: "blank", input: "\n", wantOK: false},
		{name: "out of range", input: "9\n", wantOK: false},
		{name: "eof", input: "", wantOK: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			c := newPromptChooser(strings.NewReader(tc.input), &out)
			idx, ok := c.Choose(context.Background(), "选择角色", []string{"a", "b"})
			if ok != tc.wantOK || (ok && idx != tc.wantIdx) {
				t.Fatalf("Choose = (%d, %v), want (%d, %v)", idx, ok, tc.wantIdx, tc.wantOK)
			}
			if !strings.Contains(out.String(), "[2] b") {
				t.Fatalf("prompt = %q, want options listed", out.String())
			}
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"cert", "ensure"},
		{"accounts", "list"},
		{"accounts", "rename"},
		{"accounts", "delete"},
		{"accounts", "del"},
		{"accounts", "import"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("Find(%v): %v", path, err)
		}
		if cmd == root {
			t.Fatalf("Find(%v) resolved to root", path)
		}
	}
	if f := mustFind(t, root, "accounts", "list").Flags().Lookup("game"); f == nil {
		t.Fatalf("accounts list should have --game")
	}
}

func TestImportRejectsUnknownChannel(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"accounts", "import", "nokia"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func mustFind(t *testing.T, root *cobra.Command, path ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := root.Find(path)
	if err != nil {
		t.Fatalf("Find(%v): %v", path, err)
	}
	return cmd
}
