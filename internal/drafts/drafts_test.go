package drafts

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_PutAndFetch(t *testing.T) {
	m := NewMemoryStore()
	m.Put("s1", Draft{ID: "d2", Participant: "bob", Round: 1, Text: "bob v1"})
	m.Put("s1", Draft{ID: "d1", Participant: "alice", Round: 1, Text: "alice v1"})
	m.Put("s1", Draft{ID: "d3", Participant: "alice", Round: 1, Text: "alice v2"})
	m.Put("s1", Draft{ID: "d4", Participant: "alice", Round: 1, Kind: KindCritique, Text: "critique"})
	m.Put("s1", Draft{ID: "d5", Participant: "alice", Round: 2, Text: "round two"})
	m.Put("s2", Draft{ID: "d6", Participant: "carol", Round: 1, Text: "other session"})

	got, err := m.FetchDrafts(context.Background(), "s1", 1)
	if err != nil {
		t.Fatalf("FetchDrafts failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d drafts, want 3: %+v", len(got), got)
	}
	if got[0].Kind != KindCritique || got[1].Kind != KindDraft || got[1].Text != "alice v2" {
		t.Errorf("alice drafts should be ordered critique, draft: %+v", got[:2])
	}
	if got[2].Participant != "bob" {
		t.Errorf("last draft participant = %q, want bob", got[2].Participant)
	}

	got[0].Text = "mutated"
	again, _ := m.FetchDrafts(context.Background(), "s1", 1)
	if again[0].Text == "mutated" {
		t.Error("FetchDrafts should return a copy")
	}
}

func TestMemoryStore_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().FetchDrafts(ctx, "s1", 1); err == nil {
		t.Error("FetchDrafts should fail on a canceled context")
	}
}

func TestMemoryStore_Forget(t *testing.T) {
	m := NewMemoryStore()
	m.Put("s1", Draft{Participant: "a", Round: 1})
	m.Put("s1", Draft{Participant: "a", Round: 2})
	m.Forget("s1")
	for round := 1; round <= 2; round++ {
		got, _ := m.FetchDrafts(context.Background(), "s1", round)
		if len(got) != 0 {
			t.Errorf("round %d still has %d drafts", round, len(got))
		}
	}
}

func TestFetcherFunc(t *testing.T) {
	var f Fetcher = FetcherFunc(func(ctx context.Context, id string, round int) ([]Draft, error) {
		return []Draft{{ID: id, Round: round}}, nil
	})
	got, err := f.FetchDrafts(context.Background(), "x", 4)
	if err != nil || len(got) != 1 || got[0].ID != "x" || got[0].Round != 4 {
		t.Errorf("FetcherFunc returned %+v, %v", got, err)
	}
}

func TestRoundDirName(t *testing.T) {
	tests := []struct {
		name  string
		round int
		ok    bool
	}{
		{"round-1", 1, true},
		{"round-12", 12, true},
		{"round-0", 0, false},
		{"round-x", 0, false},
		{"rnd-1", 0, false},
		{"1", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ParseRoundDirName(tt.name)
			if ok != tt.ok || n != tt.round {
				t.Errorf("ParseRoundDirName(%q) = %d, %v; want %d, %v", tt.name, n, ok, tt.round, tt.ok)
			}
		})
	}
	if RoundDirName(3) != "round-3" {
		t.Errorf("RoundDirName(3) = %q", RoundDirName(3))
	}
}

func TestFileStore_FetchDrafts(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root, "")
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	dir := store.RoundDir("s1", 2)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"bob.txt":      "Use a regional cache.",
		"alice.md":     "---\nparticipant: alice\nid: a-2\nkind: critique\n---\nBob is wrong.\n",
		"notes.json":   `{"ignored": true}`,
		"carol.yaml":   "---\nparticipant: carol\n---",
		"draft.md.tmp": "partial",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.FetchDrafts(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("FetchDrafts failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d drafts, want 3: %+v", len(got), got)
	}

	alice, bob, carol := got[0], got[1], got[2]
	if alice.ID != "a-2" || alice.Kind != KindCritique || alice.Text != "Bob is wrong." || alice.Round != 2 {
		t.Errorf("alice = %+v", alice)
	}
	if bob.Participant != "bob" || bob.ID != "s1/round-2/bob.txt" || bob.Kind != KindDraft {
		t.Errorf("bob = %+v", bob)
	}
	if carol.Participant != "carol" || carol.Text != "" {
		t.Errorf("carol = %+v", carol)
	}
}

func TestFileStore_MissingRound(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "")
	got, err := store.FetchDrafts(context.Background(), "nope", 1)
	if err != nil || len(got) != 0 {
		t.Errorf("missing round = %+v, %v; want empty, nil", got, err)
	}
}

func TestFileStore_BadPattern(t *testing.T) {
	if _, err := NewFileStore(t.TempDir(), "[a-"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestFileStore_WriteDraftRoundTrip(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "")

	in := Draft{ID: "x1", Participant: "dana", Round: 1, Kind: KindCritique, Text: "Latency is 40ms."}
	path, err := store.WriteDraft("s9", in)
	if err != nil {
		t.Fatalf("WriteDraft failed: %v", err)
	}
	if filepath.Base(path) != "dana-critique.md" {
		t.Errorf("path = %s", path)
	}

	got, err := store.FetchDrafts(context.Background(), "s9", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("FetchDrafts = %+v, %v", got, err)
	}
	if got[0] != in {
		t.Errorf("round trip = %+v, want %+v", got[0], in)
	}

	if _, err := store.WriteDraft("s9", Draft{Round: 1}); err == nil {
		t.Error("WriteDraft without participant should fail")
	}
}

func TestWatcher_ReportsNewDrafts(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "")

	var mu sync.Mutex
	seen := make(map[int]int)
	notify := make(chan struct{}, 16)
	w, err := NewWatcher(store, "s1", 20*time.Millisecond, func(a RoundActivity) {
		mu.Lock()
		seen[a.Round] += len(a.Files)
		mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if _, err := store.WriteDraft("s1", Draft{Participant: "alice", Round: 1, Text: "a"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-notify:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for draft activity")
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[1] == 0 {
		t.Errorf("expected activity in round 1, got %v", seen)
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "")
	w, err := NewWatcher(store, "s1", 0, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
