package conflict

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

// Merged is a conflict as it stands after a Merge, with what the merge did
// to it.
type Merged struct {
	Conflict Conflict
	// New is true when the key had not been seen before in this session's
	// live history.
	New bool
	// Reopened is true when a resolved conflict was detected again.
	Reopened bool
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	// Round matches conflicts detected in that round.
	Round       int
	Status      Status
	MinSeverity Severity
	// Unresolved matches pending and acknowledged conflicts.
	Unresolved bool
}

func (f Filter) match(c *Conflict) bool {
	if c.Dormant {
		return false
	}
	if f.Round > 0 && !c.SeenIn(f.Round) {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.MinSeverity != "" && c.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.Unresolved && c.Status == StatusResolved {
		return false
	}
	return true
}

// Registry is the conflict history of one session. A contradiction keeps a
// single ID for the life of the session no matter how often it recurs.
type Registry struct {
	mu    sync.RWMutex
	byKey map[Key]*Conflict
	byID  map[string]*Conflict
	newID func() string
}

// NewRegistry creates an empty registry. newID defaults to random UUIDs.
func NewRegistry(newID func() string) *Registry {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Registry{
		byKey: make(map[Key]*Conflict),
		byID:  make(map[string]*Conflict),
		newID: newID,
	}
}

// Merge folds the conflicts detected in round into the history. A key seen
// before keeps its ID: the round it was last seen moves to PreviousRounds and
// its statements and severity are replaced by the new detection. A resolved
// conflict that recurs is reopened. Merging the same round twice is safe.
func (r *Registry) Merge(round int, detected []Conflict) []Merged {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Merged, 0, len(detected))
	for _, d := range detected {
		key := d.Key
		if key == "" {
			key = MakeKey(d.Participants, d.Type)
		}
		c, ok := r.byKey[key]
		m := Merged{}
		switch {
		case !ok:
			c = &Conflict{ID: r.newID(), Key: key, FirstSeenRound: round, Round: round}
			r.byKey[key] = c
			r.byID[c.ID] = c
			m.New = true
		case c.Dormant:
			*c = Conflict{ID: c.ID, Key: key, FirstSeenRound: round, Round: round}
			m.New = true
		case !c.SeenIn(round):
			rounds := append(slices.Clone(c.PreviousRounds), c.Round, round)
			sort.Ints(rounds)
			c.Round = rounds[len(rounds)-1]
			c.PreviousRounds = rounds[:len(rounds)-1]
			c.FirstSeenRound = min(c.FirstSeenRound, round)
			if c.Resolution != "" && c.ReopenedRound == 0 && round > c.ResolvedRound {
				c.ReopenedRound = round
				m.Reopened = true
			}
		}
		c.Type = d.Type
		c.Severity = d.Severity
		c.Participants = slices.Clone(d.Participants)
		c.Statements = slices.Clone(d.Statements)
		c.Summary = d.Summary
		if c.PreviousRounds == nil {
			c.PreviousRounds = []int{}
		}
		deriveStatus(c)
		m.Conflict = c.Clone()
		out = append(out, m)
	}
	return out
}

// deriveStatus recomputes Status from the resolution bookkeeping.
func deriveStatus(c *Conflict) {
	switch {
	case c.Resolution != "" && c.ReopenedRound == 0:
		c.Status = StatusResolved
	case c.AcknowledgedRound > 0:
		c.Status = StatusAcknowledged
	default:
		c.Status = StatusPending
	}
}

// Resolve records a resolution made while round was current.
func (r *Registry) Resolve(id, resolution string, round int) (Conflict, error) {
	if resolution == "" {
		return Conflict{}, fmt.Errorf("%w: resolution text is required", forgeerrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok || c.Dormant {
		return Conflict{}, forgeerrors.UnknownConflict(id)
	}
	c.Resolution = resolution
	c.ResolvedRound = max(round, 1)
	c.ReopenedRound = 0
	deriveStatus(c)
	return c.Clone(), nil
}

// Acknowledge marks a pending conflict as seen by the operator. It is a
// no-op for acknowledged conflicts and fails for resolved ones.
func (r *Registry) Acknowledge(id string, round int) (Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok || c.Dormant {
		return Conflict{}, forgeerrors.UnknownConflict(id)
	}
	switch c.Status {
	case StatusResolved:
		return Conflict{}, fmt.Errorf("%w: conflict %s is already resolved", forgeerrors.ErrInvalidTransition, id)
	case StatusAcknowledged:
		return c.Clone(), nil
	}
	c.AcknowledgedRound = max(round, 1)
	deriveStatus(c)
	return c.Clone(), nil
}

// Rollback discards everything recorded after round n. Conflicts first seen
// after n become dormant, later sightings are dropped from the rest, and
// acknowledgements, resolutions and reopenings recorded after n are undone.
// Rolling back to the same round twice changes nothing the second time.
func (r *Registry) Rollback(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, c := range r.byKey {
		if c.Dormant {
			continue
		}
		if c.FirstSeenRound > n {
			*c = Conflict{
				ID: c.ID, Key: key, Type: c.Type, Severity: c.Severity,
				Status: StatusPending, Participants: c.Participants,
				PreviousRounds: []int{}, Dormant: true,
			}
			continue
		}
		var kept []int
		for _, rd := range append(slices.Clone(c.PreviousRounds), c.Round) {
			if rd <= n {
				kept = append(kept, rd)
			}
		}
		sort.Ints(kept)
		c.Round = kept[len(kept)-1]
		c.PreviousRounds = append([]int{}, kept[:len(kept)-1]...)

		if c.ResolvedRound > n {
			c.Resolution = ""
			c.ResolvedRound = 0
		}
		if c.ReopenedRound > n {
			c.ReopenedRound = 0
		}
		if c.AcknowledgedRound > n {
			c.AcknowledgedRound = 0
		}
		deriveStatus(c)
	}
}

// Get returns a conflict by ID.
func (r *Registry) Get(id string) (Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || c.Dormant {
		return Conflict{}, forgeerrors.UnknownConflict(id)
	}
	return c.Clone(), nil
}

// List returns matching conflicts ordered by first sighting, then key.
func (r *Registry) List(f Filter) []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conflict
	for _, c := range r.byKey {
		if f.match(c) {
			out = append(out, c.Clone())
		}
	}
	sortConflicts(out)
	return out
}

// Unresolved counts live conflicts that are not resolved.
func (r *Registry) Unresolved() int {
	return len(r.List(Filter{Unresolved: true}))
}

// Snapshot returns every conflict, dormant ones included.
func (r *Registry) Snapshot() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conflict, 0, len(r.byKey))
	for _, c := range r.byKey {
		out = append(out, c.Clone())
	}
	sortConflicts(out)
	return out
}

// Restore replaces the registry contents with a snapshot.
func (r *Registry) Restore(cs []Conflict) error {
	byKey := make(map[Key]*Conflict, len(cs))
	byID := make(map[string]*Conflict, len(cs))
	for i := range cs {
		c := cs[i].Clone()
		if c.ID == "" || c.Key == "" {
			return fmt.Errorf("%w: conflict without id or key", forgeerrors.ErrInvalidInput)
		}
		if _, dup := byID[c.ID]; dup {
			return fmt.Errorf("%w: duplicate conflict id %s", forgeerrors.ErrInvalidInput, c.ID)
		}
		if _, dup := byKey[c.Key]; dup {
			return fmt.Errorf("%w: duplicate conflict key %s", forgeerrors.ErrInvalidInput, c.Key)
		}
		byKey[c.Key] = &c
		byID[c.ID] = &c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey, r.byID = byKey, byID
	return nil
}

func sortConflicts(cs []Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].FirstSeenRound != cs[j].FirstSeenRound {
			return cs[i].FirstSeenRound < cs[j].FirstSeenRound
		}
		return cs[i].Key < cs[j].Key
	})
}
