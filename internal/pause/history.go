package pause

import (
	"fmt"
	"sync"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

// Entry is one pause. End is nil while the pause is in progress.
type Entry struct {
	Reason   string        `json:"reason"`
	Start    time.Time     `json:"start"`
	End      *time.Time    `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Open reports whether the pause is still in progress.
func (e Entry) Open() bool { return e.End == nil }

func (e Entry) clone() Entry {
	if e.End != nil {
		end := *e.End
		e.End = &end
	}
	return e
}

// History records the pauses of a session. At most one entry is open.
type History struct {
	mu      sync.Mutex
	entries []Entry
	total   time.Duration
	now     func() time.Time
}

// NewHistory creates an empty history. now defaults to time.Now.
func NewHistory(now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{now: now}
}

// Open starts a pause entry.
func (h *History) Open(reason string) (Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.entries); n > 0 && h.entries[n-1].Open() {
		return Entry{}, fmt.Errorf("%w: a pause is already in progress", forgeerrors.ErrInvalidTransition)
	}
	e := Entry{Reason: reason, Start: h.now()}
	h.entries = append(h.entries, e)
	return e, nil
}

// Close ends the open entry and adds its duration to the total.
func (h *History) Close() (Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	if n == 0 || !h.entries[n-1].Open() {
		return Entry{}, fmt.Errorf("%w: no pause in progress", forgeerrors.ErrInvalidTransition)
	}
	e := &h.entries[n-1]
	end := h.now()
	e.End = &end
	e.Duration = end.Sub(e.Start)
	if e.Duration < 0 {
		e.Duration = 0
	}
	h.total += e.Duration
	return e.clone(), nil
}

// Active returns the open entry, if any.
func (h *History) Active() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.entries); n > 0 && h.entries[n-1].Open() {
		return h.entries[n-1].clone(), true
	}
	return Entry{}, false
}

// Total is the cumulative duration of closed pauses.
func (h *History) Total() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Entries returns all pauses, oldest first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.clone()
	}
	return out
}

// Restore replaces the history with entries, recomputing the total.
func (h *History) Restore(entries []Entry) error {
	var total time.Duration
	cp := make([]Entry, len(entries))
	for i, e := range entries {
		if e.Open() && i != len(entries)-1 {
			return fmt.Errorf("%w: only the last pause may be open", forgeerrors.ErrInvalidInput)
		}
		cp[i] = e.clone()
		if !e.Open() {
			total += e.Duration
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries, h.total = cp, total
	return nil
}
