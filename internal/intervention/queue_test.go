package intervention

import (
	"fmt"
	"sync"
	"testing"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

func newTestQueue() *Queue {
	n := 0
	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewQueue(
		func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("r%d", n)
		},
		func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	)
}

func ids(rs []Request) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func mustEnqueue(t *testing.T, q *Queue, p Priority) Request {
	t.Helper()
	r, err := q.Enqueue(Details{Priority: p})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestQueue_PriorityThenArrival(t *testing.T) {
	q := newTestQueue()
	low := mustEnqueue(t, q, PriorityLow)
	med1 := mustEnqueue(t, q, PriorityMedium)
	crit := mustEnqueue(t, q, PriorityCritical)
	med2 := mustEnqueue(t, q, PriorityMedium)
	high := mustEnqueue(t, q, PriorityHigh)

	want := []string{crit.ID, high.ID, med1.ID, med2.ID, low.ID}
	got := ids(q.ListPending())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ListPending = %v, want %v", got, want)
	}
	next, ok := q.PeekNext()
	if !ok || next.ID != crit.ID {
		t.Errorf("PeekNext = %v, %v", next.ID, ok)
	}
	if q.Len() != 5 {
		t.Errorf("Len = %d", q.Len())
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewQueue(nil, nil)
	prios := []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(Details{Priority: prios[i%len(prios)]}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	pending := q.ListPending()
	if len(pending) != 200 {
		t.Fatalf("len = %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		a, b := pending[i-1], pending[i]
		if a.Priority.Rank() < b.Priority.Rank() {
			t.Fatalf("%s before %s at %d", a.Priority, b.Priority, i)
		}
		if a.Priority == b.Priority && (a.Seq > b.Seq || a.CreatedAt.After(b.CreatedAt)) {
			t.Fatalf("arrival order broken within %s at %d", a.Priority, i)
		}
	}
}

func TestQueue_Escalate(t *testing.T) {
	q := newTestQueue()
	h1 := mustEnqueue(t, q, PriorityHigh)
	med := mustEnqueue(t, q, PriorityMedium)
	h2 := mustEnqueue(t, q, PriorityHigh)

	r, err := q.Escalate(med.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Priority != PriorityHigh || r.Status != RequestEscalated || r.Escalations != 1 {
		t.Errorf("escalated = %+v", r)
	}
	// Escalated request keeps its original arrival among high requests.
	want := []string{h1.ID, med.ID, h2.ID}
	if got := ids(q.ListPending()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ListPending = %v, want %v", got, want)
	}

	q.Escalate(med.ID)
	r, _ = q.Escalate(med.ID)
	if r.Priority != PriorityCritical {
		t.Errorf("priority should cap at critical, got %s", r.Priority)
	}
}

func TestQueue_ResolveAndDismiss(t *testing.T) {
	q := newTestQueue()
	a := mustEnqueue(t, q, PriorityHigh)
	b := mustEnqueue(t, q, PriorityLow)

	r, err := q.Resolve(a.ID, "iv-1")
	if err != nil || r.Status != RequestResolved || r.ResolvedBy != "iv-1" {
		t.Fatalf("Resolve = %+v, %v", r, err)
	}
	if _, err := q.Dismiss(b.ID); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after closing both", q.Len())
	}
	if _, ok := q.PeekNext(); ok {
		t.Error("PeekNext on empty queue should report false")
	}
	if h := q.History(); len(h) != 2 || h[0].Status != RequestResolved || h[1].Status != RequestDismissed {
		t.Errorf("History = %+v", h)
	}

	for _, op := range []func(string) (Request, error){
		q.Dismiss,
		q.Escalate,
		func(id string) (Request, error) { return q.Resolve(id, "x") },
	} {
		if _, err := op(a.ID); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
			t.Errorf("changing a closed request err = %v", err)
		}
		if _, err := op("missing"); !forgeerrors.Is(err, forgeerrors.ErrUnknownRequest) {
			t.Errorf("unknown request err = %v", err)
		}
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := newTestQueue()
	if _, err := q.Enqueue(Details{Priority: "urgent"}); !forgeerrors.Is(err, forgeerrors.ErrInvalidInput) {
		t.Errorf("bad priority err = %v", err)
	}
	if _, err := q.Enqueue(Details{SuggestedType: "vibes"}); !forgeerrors.Is(err, forgeerrors.ErrInvalidInput) {
		t.Errorf("bad type err = %v", err)
	}
	r, err := q.Enqueue(Details{})
	if err != nil || r.Priority != PriorityMedium || r.SuggestedType != TypeGuidance {
		t.Errorf("defaults = %+v, %v", r, err)
	}
}

func TestQueue_Submit(t *testing.T) {
	q := newTestQueue()
	req := mustEnqueue(t, q, PriorityHigh)

	iv, err := q.Submit(Intervention{Type: TypeOverride, Content: "use 50ms", RequestID: req.ID}, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if iv.TargetRound != 2 || iv.Status != StatusActive || iv.Impact != ImpactMedium {
		t.Errorf("submitted = %+v", iv)
	}
	got, _ := q.Get(req.ID)
	if got.Status != RequestResolved || got.ResolvedBy != iv.ID {
		t.Errorf("linked request = %+v", got)
	}

	// A closed request cannot be resolved twice and the failed submit leaves
	// nothing behind.
	if _, err := q.Submit(Intervention{Type: TypeGuidance, Content: "again", RequestID: req.ID}, 2, false); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("second resolve err = %v", err)
	}
	if n := len(q.Interventions()); n != 1 {
		t.Errorf("Interventions = %d after failed submit", n)
	}

	bad := []Intervention{
		{Type: "nudge", Content: "x"},
		{Type: TypeGuidance, Content: "  "},
		{Type: TypeGuidance, Content: "x", Impact: "huge"},
		{Type: TypeGuidance, Content: "x", Priority: "asap"},
		{Type: TypeGuidance, Content: "x", TargetRound: -1},
	}
	for _, b := range bad {
		if _, err := q.Submit(b, 1, false); !forgeerrors.Is(err, forgeerrors.ErrInvalidInput) {
			t.Errorf("Submit(%+v) err = %v", b, err)
		}
	}
}

func TestQueue_HeldAndGuidance(t *testing.T) {
	q := newTestQueue()
	q.Submit(Intervention{Type: TypeGuidance, Content: "low note", Priority: PriorityLow}, 2, false)
	q.Submit(Intervention{Type: TypeContext, Content: "while paused"}, 2, true)
	q.Submit(Intervention{Type: TypeGuidance, Content: "later round", TargetRound: 5}, 2, true)
	q.Submit(Intervention{Type: TypeClarification, Content: "urgent", Priority: PriorityCritical}, 2, false)

	if q.Held() != 2 {
		t.Errorf("Held = %d", q.Held())
	}
	g := q.Guidance(2)
	if len(g) != 2 || g[0].Content != "urgent" || g[1].Content != "low note" {
		t.Errorf("Guidance(2) = %+v", g)
	}

	released := q.ReleaseHeld(3)
	if len(released) != 2 || q.Held() != 0 {
		t.Fatalf("released = %+v", released)
	}
	if g := q.Guidance(3); len(g) != 1 || g[0].Content != "while paused" || g[0].ReleasedRound != 3 {
		t.Errorf("Guidance(3) = %+v", g)
	}
	if g := q.Guidance(5); len(g) != 1 || g[0].Content != "later round" {
		t.Errorf("Guidance(5) = %+v", g)
	}
}

func TestQueue_SnapshotRestore(t *testing.T) {
	q := newTestQueue()
	a := mustEnqueue(t, q, PriorityLow)
	b := mustEnqueue(t, q, PriorityHigh)
	mustEnqueue(t, q, PriorityMedium)
	q.Escalate(a.ID)
	q.Dismiss(b.ID)
	q.Submit(Intervention{Type: TypeGuidance, Content: "held", TargetParticipants: []string{"alice"}}, 1, true)

	restored := NewQueue(nil, nil)
	if err := restored.Restore(q.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids(restored.ListPending())) != fmt.Sprint(ids(q.ListPending())) {
		t.Errorf("pending order differs: %v vs %v", ids(restored.ListPending()), ids(q.ListPending()))
	}
	if restored.Held() != 1 || len(restored.History()) != 3 {
		t.Errorf("restored held=%d history=%d", restored.Held(), len(restored.History()))
	}

	// New requests continue the arrival sequence.
	c, _ := restored.Enqueue(Details{Priority: PriorityMedium})
	pending := restored.ListPending()
	if pending[len(pending)-1].ID != c.ID {
		t.Errorf("new request should follow restored ones of its tier: %v", ids(pending))
	}
}

func TestPriority(t *testing.T) {
	if _, err := ParsePriority("HIGH"); err != nil {
		t.Error(err)
	}
	if _, err := ParsePriority("asap"); err == nil {
		t.Error("unknown priority should fail")
	}
	if PriorityLow.Raise() != PriorityMedium || PriorityCritical.Raise() != PriorityCritical {
		t.Error("Raise tiers wrong")
	}
	if !(Intervention{}).Targets("anyone") {
		t.Error("empty target list should address everyone")
	}
}
