// Package drafts supplies participant drafts and critiques to the session
// engine. The engine only reads drafts; it never produces them.
//
// Two Fetcher implementations are provided: MemoryStore for drivers that
// hand drafts over in-process, and FileStore which reads a directory tree
// laid out as {root}/{session}/round-{n}/{file}. Watcher reports when new
// draft files land in a session's tree.
package drafts

import (
	"context"
	"sort"
	"sync"
)

// Kind distinguishes a participant's own position from a critique of another's.
type Kind string

const (
	KindDraft    Kind = "draft"
	KindCritique Kind = "critique"
)

// Draft is one participant output for one round. ID is opaque to the engine.
type Draft struct {
	ID          string `json:"id" yaml:"id"`
	Participant string `json:"participant" yaml:"participant"`
	Round       int    `json:"round" yaml:"round"`
	Kind        Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Text        string `json:"text" yaml:"-"`
}

// Fetcher returns the drafts submitted for a session round. Implementations
// must honor ctx cancellation. An empty result is not an error.
type Fetcher interface {
	FetchDrafts(ctx context.Context, sessionID string, round int) ([]Draft, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, sessionID string, round int) ([]Draft, error)

// FetchDrafts calls f.
func (f FetcherFunc) FetchDrafts(ctx context.Context, sessionID string, round int) ([]Draft, error) {
	return f(ctx, sessionID, round)
}

type roundKey struct {
	session string
	round   int
}

// MemoryStore is an in-process Fetcher. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[roundKey][]Draft
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[roundKey][]Draft)}
}

// Put records d for sessionID. A draft with the same participant and kind
// in the same round replaces the earlier one.
func (m *MemoryStore) Put(sessionID string, d Draft) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Kind == "" {
		d.Kind = KindDraft
	}
	key := roundKey{sessionID, d.Round}
	list := m.drafts[key]
	for i := range list {
		if list[i].Participant == d.Participant && list[i].Kind == d.Kind {
			list[i] = d
			return
		}
	}
	m.drafts[key] = append(list, d)
}

// FetchDrafts returns a copy of the drafts for the round ordered by participant.
func (m *MemoryStore) FetchDrafts(ctx context.Context, sessionID string, round int) ([]Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := append([]Draft(nil), m.drafts[roundKey{sessionID, round}]...)
	m.mu.RUnlock()

	sortDrafts(out)
	return out, nil
}

// Forget drops every draft recorded for sessionID.
func (m *MemoryStore) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.drafts {
		if k.session == sessionID {
			delete(m.drafts, k)
		}
	}
}

func sortDrafts(ds []Draft) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Participant != ds[j].Participant {
			return ds[i].Participant < ds[j].Participant
		}
		return ds[i].Kind < ds[j].Kind
	})
}
