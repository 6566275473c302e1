// Package testutil provides testing utilities for Forge tests.
package testutil

import (
	"sort"
	"testing"

	"github.com/Iron-Ham/forge/internal/drafts"
)

// IsolateEnv points the config and data directories at fresh temp dirs so a
// test never reads or writes the user's forge files. It returns the data dir.
func IsolateEnv(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", dataDir)
	return dataDir
}

// Drafts builds one round's drafts from participant texts, ordered by
// participant.
func Drafts(round int, texts map[string]string) []drafts.Draft {
	out := make([]drafts.Draft, 0, len(texts))
	for participant, text := range texts {
		out = append(out, drafts.Draft{
			ID:          participant + "-" + drafts.RoundDirName(round),
			Participant: participant,
			Round:       round,
			Kind:        drafts.KindDraft,
			Text:        text,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// WriteRound writes one round's drafts for sessionID under root, the layout
// drafts.FileStore reads.
func WriteRound(t *testing.T, root, sessionID string, round int, texts map[string]string) {
	t.Helper()
	fs, err := drafts.NewFileStore(root, "")
	if err != nil {
		t.Fatalf("failed to open draft tree: %v", err)
	}
	for _, d := range Drafts(round, texts) {
		if _, err := fs.WriteDraft(sessionID, d); err != nil {
			t.Fatalf("failed to write draft for %s: %v", d.Participant, err)
		}
	}
}

// PutRound stores one round's drafts for sessionID in m.
func PutRound(m *drafts.MemoryStore, sessionID string, round int, texts map[string]string) {
	for _, d := range Drafts(round, texts) {
		m.Put(sessionID, d)
	}
}
