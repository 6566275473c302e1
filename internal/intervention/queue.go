package intervention

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

// requestHeap orders open requests by priority, then arrival.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

func before(a, b *Request) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	return a.Seq < b.Seq
}

// Queue is the intervention queue of one session. It is safe for concurrent
// use; every read reflects priority-then-arrival order.
type Queue struct {
	mu            sync.Mutex
	open          requestHeap
	requests      map[string]*Request
	history       []*Request
	interventions []*Intervention
	byID          map[string]*Intervention
	seq           uint64
	newID         func() string
	now           func() time.Time
}

// NewQueue creates an empty queue. newID defaults to random UUIDs and now to
// time.Now.
func NewQueue(newID func() string, now func() time.Time) *Queue {
	if newID == nil {
		newID = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		requests: make(map[string]*Request),
		byID:     make(map[string]*Intervention),
		newID:    newID,
		now:      now,
	}
}

// Enqueue files a new request and returns it. Priority defaults to medium
// and the suggested type to guidance.
func (q *Queue) Enqueue(d Details) (Request, error) {
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if d.Priority.Rank() == 0 {
		return Request{}, fmt.Errorf("%w: unknown priority %q", forgeerrors.ErrInvalidInput, d.Priority)
	}
	if d.SuggestedType == "" {
		d.SuggestedType = TypeGuidance
	}
	if !d.SuggestedType.Valid() {
		return Request{}, fmt.Errorf("%w: unknown intervention type %q", forgeerrors.ErrInvalidInput, d.SuggestedType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	r := &Request{
		ID:            q.newID(),
		Priority:      d.Priority,
		SuggestedType: d.SuggestedType,
		Reason:        d.Reason,
		Round:         d.Round,
		ConflictID:    d.ConflictID,
		CreatedAt:     q.now(),
		Status:        RequestPending,
		Seq:           q.seq,
	}
	q.requests[r.ID] = r
	q.history = append(q.history, r)
	heap.Push(&q.open, r)
	return *r, nil
}

// openRequest returns an open request or the reason it cannot be changed.
// Callers hold q.mu.
func (q *Queue) openRequest(id, op string) (*Request, error) {
	r, ok := q.requests[id]
	if !ok {
		return nil, forgeerrors.UnknownRequest(id)
	}
	if !r.Status.Open() {
		return nil, fmt.Errorf("%w: cannot %s request %s: it is %s", forgeerrors.ErrInvalidTransition, op, id, r.Status)
	}
	return r, nil
}

// Resolve closes a request, linking the intervention that answered it.
func (q *Queue) Resolve(id, interventionID string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.openRequest(id, "resolve")
	if err != nil {
		return Request{}, err
	}
	q.close(r, RequestResolved)
	r.ResolvedBy = interventionID
	return *r, nil
}

// Dismiss closes a request without an intervention. It stays in History.
func (q *Queue) Dismiss(id string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.openRequest(id, "dismiss")
	if err != nil {
		return Request{}, err
	}
	q.close(r, RequestDismissed)
	return *r, nil
}

func (q *Queue) close(r *Request, status RequestStatus) {
	if r.index >= 0 && r.index < len(q.open) && q.open[r.index] == r {
		heap.Remove(&q.open, r.index)
	}
	r.Status = status
}

// Escalate raises an open request one priority tier. It stays in the queue
// and keeps its place among requests of its new tier by original arrival.
func (q *Queue) Escalate(id string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.openRequest(id, "escalate")
	if err != nil {
		return Request{}, err
	}
	r.Priority = r.Priority.Raise()
	r.Status = RequestEscalated
	r.Escalations++
	heap.Fix(&q.open, r.index)
	return *r, nil
}

// PeekNext returns the most urgent open request without removing it.
func (q *Queue) PeekNext() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.open) == 0 {
		return Request{}, false
	}
	return *q.open[0], true
}

// ListPending returns the open requests, most urgent first.
func (q *Queue) ListPending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := make([]*Request, len(q.open))
	copy(sorted, q.open)
	sort.Slice(sorted, func(i, j int) bool { return before(sorted[i], sorted[j]) })
	out := make([]Request, len(sorted))
	for i, r := range sorted {
		out[i] = *r
	}
	return out
}

// Len is the number of open requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.open)
}

// Get returns a request in any status.
func (q *Queue) Get(id string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.requests[id]
	if !ok {
		return Request{}, forgeerrors.UnknownRequest(id)
	}
	return *r, nil
}

// History returns every request in arrival order.
func (q *Queue) History() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, len(q.history))
	for i, r := range q.history {
		out[i] = *r
	}
	return out
}

// Submit stores an intervention for round, resolving its linked request if
// it names one. Held interventions wait for ReleaseHeld. Nothing changes when
// validation fails.
func (q *Queue) Submit(iv Intervention, round int, held bool) (Intervention, error) {
	if !iv.Type.Valid() {
		return Intervention{}, fmt.Errorf("%w: unknown intervention type %q", forgeerrors.ErrInvalidInput, iv.Type)
	}
	if strings.TrimSpace(iv.Content) == "" {
		return Intervention{}, fmt.Errorf("%w: intervention content is required", forgeerrors.ErrInvalidInput)
	}
	if iv.Priority == "" {
		iv.Priority = PriorityMedium
	}
	if iv.Priority.Rank() == 0 {
		return Intervention{}, fmt.Errorf("%w: unknown priority %q", forgeerrors.ErrInvalidInput, iv.Priority)
	}
	if iv.Impact == "" {
		iv.Impact = ImpactMedium
	}
	if !iv.Impact.Valid() {
		return Intervention{}, fmt.Errorf("%w: unknown impact %q", forgeerrors.ErrInvalidInput, iv.Impact)
	}
	if iv.TargetRound < 0 {
		return Intervention{}, fmt.Errorf("%w: negative target round", forgeerrors.ErrInvalidInput)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if iv.ID == "" {
		iv.ID = q.newID()
	}
	if _, dup := q.byID[iv.ID]; dup {
		return Intervention{}, fmt.Errorf("%w: intervention %s already submitted", forgeerrors.ErrInvalidInput, iv.ID)
	}
	var req *Request
	if iv.RequestID != "" {
		r, err := q.openRequest(iv.RequestID, "resolve")
		if err != nil {
			return Intervention{}, err
		}
		req = r
	}

	if iv.TargetRound == 0 {
		iv.TargetRound = round
	}
	iv.Status = StatusActive
	if held {
		iv.Status = StatusHeld
	}
	iv.SubmittedAt = q.now()
	stored := iv.clone()
	q.interventions = append(q.interventions, &stored)
	q.byID[stored.ID] = &stored

	if req != nil {
		q.close(req, RequestResolved)
		req.ResolvedBy = stored.ID
	}
	return stored.clone(), nil
}

// ReleaseHeld activates interventions held during a pause, retargeting any
// aimed at an earlier round to round.
func (q *Queue) ReleaseHeld(round int) []Intervention {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Intervention
	for _, iv := range q.interventions {
		if iv.Status != StatusHeld {
			continue
		}
		if iv.TargetRound < round {
			iv.TargetRound = round
		}
		iv.Status = StatusActive
		iv.ReleasedRound = round
		out = append(out, iv.clone())
	}
	return out
}

// Held counts interventions waiting for release.
func (q *Queue) Held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, iv := range q.interventions {
		if iv.Status == StatusHeld {
			n++
		}
	}
	return n
}

// Guidance returns the active interventions targeting round, most urgent
// first and in submission order within a tier.
func (q *Queue) Guidance(round int) []Intervention {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Intervention
	for _, iv := range q.interventions {
		if iv.Status == StatusActive && iv.TargetRound == round {
			out = append(out, iv.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority.Rank() > out[j].Priority.Rank() })
	return out
}

// Interventions returns every submitted intervention in submission order.
func (q *Queue) Interventions() []Intervention {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Intervention, len(q.interventions))
	for i, iv := range q.interventions {
		out[i] = iv.clone()
	}
	return out
}

// State is the persistable content of a Queue.
type State struct {
	Requests      []Request      `json:"requests"`
	Interventions []Intervention `json:"interventions"`
}

// Snapshot returns the queue content in arrival order.
func (q *Queue) Snapshot() State {
	return State{Requests: q.History(), Interventions: q.Interventions()}
}

// Restore replaces the queue content with a snapshot.
func (q *Queue) Restore(s State) error {
	requests := make(map[string]*Request, len(s.Requests))
	history := make([]*Request, 0, len(s.Requests))
	var open requestHeap
	var seq uint64
	for i := range s.Requests {
		r := s.Requests[i]
		if r.ID == "" || r.Priority.Rank() == 0 {
			return fmt.Errorf("%w: malformed request %q", forgeerrors.ErrInvalidInput, r.ID)
		}
		if _, dup := requests[r.ID]; dup {
			return fmt.Errorf("%w: duplicate request %s", forgeerrors.ErrInvalidInput, r.ID)
		}
		r.index = -1
		requests[r.ID] = &r
		history = append(history, &r)
		if r.Status.Open() {
			open = append(open, &r)
		}
		seq = max(seq, r.Seq)
	}
	for i := range open {
		open[i].index = i
	}
	heap.Init(&open)

	byID := make(map[string]*Intervention, len(s.Interventions))
	ivs := make([]*Intervention, 0, len(s.Interventions))
	for i := range s.Interventions {
		iv := s.Interventions[i].clone()
		if iv.ID == "" || !iv.Type.Valid() {
			return fmt.Errorf("%w: malformed intervention %q", forgeerrors.ErrInvalidInput, iv.ID)
		}
		byID[iv.ID] = &iv
		ivs = append(ivs, &iv)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests, q.history, q.open, q.seq = requests, history, open, seq
	q.interventions, q.byID = ivs, byID
	return nil
}
