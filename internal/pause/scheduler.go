package pause

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/logging"
)

// ScheduledReason is the pause reason used for scheduled pauses.
const ScheduledReason = "scheduled"

// Schedule is a pending scheduled pause. Cron schedules repeat; one-shot
// schedules are removed once their fire call returns. Firing is set while
// that call runs.
type Schedule struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Cron   string    `json:"cron,omitempty"`
	Reason string    `json:"reason"`
	Fired  int       `json:"fired"`
	Firing bool      `json:"firing,omitempty"`
}

// FireFunc is called from a timer goroutine when a schedule comes due. ctx
// is cancelled when the schedule is cancelled or the scheduler is closed.
type FireFunc func(ctx context.Context, s Schedule)

type scheduled struct {
	Schedule
	timer  *time.Timer
	cancel context.CancelFunc // set while firing
}

// stop halts e's timer and cancels an in-progress fire. Callers hold s.mu.
func (e *scheduled) stop() {
	e.timer.Stop()
	if e.cancel != nil {
		e.cancel()
	}
}

// Scheduler fires pauses at fixed times or on a cron expression.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*scheduled
	fire    FireFunc
	logger  *logging.Logger
	now     func() time.Time
	closed  bool
}

// NewScheduler creates a scheduler that calls fire for each due schedule.
func NewScheduler(fire FireFunc, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{
		entries: make(map[string]*scheduled),
		fire:    fire,
		logger:  logger.WithComponent("pause-scheduler"),
		now:     time.Now,
	}
}

// ValidateCron reports whether expr is a valid cron expression.
func ValidateCron(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: invalid cron expression %q", forgeerrors.ErrInvalidInput, expr)
	}
	return nil
}

// ScheduleAt fires once at t, or as soon as possible if t has passed.
func (s *Scheduler) ScheduleAt(t time.Time, reason string) (Schedule, error) {
	if reason == "" {
		reason = ScheduledReason
	}
	return s.add(Schedule{ID: uuid.NewString(), At: t, Reason: reason})
}

// ScheduleCron fires at every tick of expr until cancelled.
func (s *Scheduler) ScheduleCron(expr, reason string) (Schedule, error) {
	if err := ValidateCron(expr); err != nil {
		return Schedule{}, err
	}
	next, err := gronx.NextTickAfter(expr, s.now(), false)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", forgeerrors.ErrInvalidInput, err)
	}
	if reason == "" {
		reason = ScheduledReason
	}
	return s.add(Schedule{ID: uuid.NewString(), At: next, Cron: expr, Reason: reason})
}

func (s *Scheduler) add(sc Schedule) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Schedule{}, fmt.Errorf("%w: scheduler is closed", forgeerrors.ErrInvalidTransition)
	}
	e := &scheduled{Schedule: sc}
	s.arm(e)
	s.entries[sc.ID] = e
	s.logger.Info("pause scheduled", "schedule_id", sc.ID, "at", sc.At, "cron", sc.Cron)
	return sc, nil
}

// arm starts e's timer. Callers hold s.mu.
func (s *Scheduler) arm(e *scheduled) {
	id := e.ID
	e.timer = time.AfterFunc(max(e.At.Sub(s.now()), 0), func() { s.due(id) })
}

func (s *Scheduler) due(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	cron := e.Cron != ""
	if cron {
		next, err := gronx.NextTickAfter(e.Cron, s.now(), false)
		if err != nil {
			s.logger.Error("cron schedule stopped", "schedule_id", id, "error", err)
			e.stop()
			delete(s.entries, id)
			s.mu.Unlock()
			return
		}
		e.At = next
		s.arm(e)
		if e.Firing {
			s.mu.Unlock()
			s.logger.Warn("cron tick skipped, previous pause still waiting", "schedule_id", id)
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.Fired++
	e.Firing = true
	e.cancel = cancel
	fired := e.Schedule
	s.mu.Unlock()

	s.logger.Info("scheduled pause due", "schedule_id", id, "reason", fired.Reason)
	if s.fire != nil {
		s.fire(ctx, fired)
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; !ok || cur != e {
		return
	}
	e.Firing = false
	e.cancel = nil
	if !cron {
		delete(s.entries, id)
	}
}

// Cancel removes a schedule. A schedule that is already firing has its
// context cancelled.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return forgeerrors.UnknownSchedule(id)
	}
	e.stop()
	delete(s.entries, id)
	return nil
}

// List returns pending schedules ordered by next fire time.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Schedule)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops every timer and cancels fires in progress. Later schedules
// are rejected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.stop()
		delete(s.entries, id)
	}
	s.closed = true
}
