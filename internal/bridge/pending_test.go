package bridge

import (
	"strconv"
	"sync"
	"testing"
)

func TestPendingStack_PushPop(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		push      []PendingLogin
		gameID    string
		processID string
		wantUUID  string
		wantOK    bool
	}{
		{
			name:     "lifo",
			push:     []PendingLogin{{GameID: "g", QRCodeUUID: "a"}, {GameID: "g", QRCodeUUID: "b"}},
			gameID:   "g",
			wantUUID: "b",
			wantOK:   true,
		},
		{
			name: "process exact preferred",
			push: []PendingLogin{
				{GameID: "g", ProcessID: "1", QRCodeUUID: "a"},
				{GameID: "g", ProcessID: "2", QRCodeUUID: "b"},
			},
			gameID:    "g",
			processID: "1",
			wantUUID:  "a",
			wantOK:    true,
		},
		{
			name:      "process mismatch falls back to newest",
			push:      []PendingLogin{{GameID: "g", ProcessID: "1", QRCodeUUID: "a"}, {GameID: "g", ProcessID: "2", QRCodeUUID: "b"}},
			gameID:    "g",
			processID: "9",
			wantUUID:  "b",
			wantOK:    true,
		},
		{
			name:   "other game",
			push:   []PendingLogin{{GameID: "g", QRCodeUUID: "a"}},
			gameID: "h",
		},
		{
			name:   "empty",
			gameID: "g",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := NewPendingStack(0)
			for _, p := range tc.push {
				s.Push(p)
			}
			got, ok := s.Pop(tc.gameID, tc.processID)
			if ok != tc.wantOK || got.QRCodeUUID != tc.wantUUID {
				t.Fatalf("Pop(%q, %q) = (%q, %v), want (%q, %v)", tc.gameID, tc.processID, got.QRCodeUUID, ok, tc.wantUUID, tc.wantOK)
			}
		})
	}
}

func TestPendingStack_PopOnce(t *testing.T) {
	t.Parallel()

	s := NewPendingStack(0)
	s.Push(PendingLogin{GameID: "g", ProcessID: "1", QRCodeUUID: "a"})
	s.Push(PendingLogin{GameID: "g", ProcessID: "2", QRCodeUUID: "b"})

	var got []string
	for {
		p, ok := s.Pop("g", "1")
		if !ok {
			break
		}
		got = append(got, p.QRCodeUUID)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("popped %v, want [a b]", got)
	}
	if n := s.Len("g"); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestPendingStack_CapAndPeek(t *testing.T) {
	t.Parallel()

	s := NewPendingStack(3)
	for i := 0; i < 5; i++ {
		s.Push(PendingLogin{GameID: "g", QRCodeUUID: strconv.Itoa(i)})
	}
	peek := s.Peek("g")
	if len(peek) != 3 || peek[0].QRCodeUUID != "4" || peek[2].QRCodeUUID != "2" {
		t.Fatalf("Peek = %+v, want newest three", peek)
	}
	if !s.Attach("g", "3", []byte(`{"user_id":"u"}`)) {
		t.Fatalf("Attach returned false")
	}
	if s.Attach("g", "0", nil) {
		t.Fatalf("Attach of dropped entry returned true")
	}
	s.Pop("g", "")
	p, _ := s.Pop("g", "")
	if string(p.LoginInfo) != `{"user_id":"u"}` {
		t.Fatalf("LoginInfo = %s", p.LoginInfo)
	}
}

func TestPendingStack_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewPendingStack(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Push(PendingLogin{GameID: "g", QRCodeUUID: strconv.Itoa(i)})
		}(i)
	}
	wg.Wait()

	seen := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, ok := s.Pop("g", ""); ok {
				seen <- p.QRCodeUUID
			}
		}()
	}
	wg.Wait()
	close(seen)

	uniq := map[string]bool{}
	for id := range seen {
		if uniq[id] {
			t.Fatalf("entry %s popped twice", id)
		}
		uniq[id] = true
	}
	if len(uniq) != 50 {
		t.Fatalf("popped %d entries, want 50", len(uniq))
	}
}

func TestSelection(t *testing.T) {
	t.Parallel()

	s := NewSelection()
	s.Select("g1", "a")
	s.Select("g2", "a")
	s.Select("g3", "b")
	if id, ok := s.Selected("g1"); !ok || id != "a" {
		t.Fatalf("Selected(g1) = (%q, %v)", id, ok)
	}
	s.Clear("g3")
	if _, ok := s.Selected("g3"); ok {
		t.Fatalf("g3 still selected after Clear")
	}
	s.Forget("a")
	if _, ok := s.Selected("g2"); ok {
		t.Fatalf("g2 still selected after Forget")
	}
}
