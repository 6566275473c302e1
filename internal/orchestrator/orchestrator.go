// Package orchestrator is the operation surface a driver or UI uses to run
// forge sessions. It owns an index of independent session machines and the
// collaborators they share: the draft fetcher, the scoring engines, the
// event bus and the snapshot store.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/pause"
	"github.com/Iron-Ham/forge/internal/session"
	"github.com/Iron-Ham/forge/internal/store"
)

// locker is implemented by stores that can claim a session for one process.
type locker interface {
	Acquire(id string) (*store.Lock, error)
}

var (
	_ locker = (*store.FileStore)(nil)
	_ locker = (*store.SQLiteStore)(nil)
)

// entry is one indexed session.
type entry struct {
	m     *session.Machine
	lock  *store.Lock
	sched *pause.Scheduler // created on first schedule
}

// Orchestrator indexes sessions by ID. Sessions share no mutable state; the
// index has its own lock and is never held while a session operation runs.
type Orchestrator struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool

	opts   Options
	bus    *event.Bus
	logger *logging.Logger
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: a draft fetcher is required", forgeerrors.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.PauseSchedule != "" {
		if err := pause.ValidateCron(opts.PauseSchedule); err != nil {
			return nil, err
		}
	}
	return &Orchestrator{
		sessions: make(map[string]*entry),
		opts:     opts,
		bus:      opts.Bus,
		logger:   opts.Logger.WithComponent("orchestrator"),
	}, nil
}

// Bus returns the event bus every session publishes on.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

func (o *Orchestrator) deps() session.Deps {
	return session.Deps{
		Fetcher:  o.opts.Fetcher,
		Scorer:   o.opts.Scorer,
		Detector: o.opts.Detector,
		Bus:      o.bus,
		Logger:   o.opts.Logger,
		Pause:    o.opts.Pause,
		Now:      o.opts.Now,
		NewID:    o.opts.NewID,
		Persist:  o.persist,
	}
}

func (o *Orchestrator) persist(snap session.Snapshot) error {
	if o.opts.Store == nil {
		return nil
	}
	return o.opts.Store.Save(context.Background(), snap)
}

// register indexes m, claiming it for this process when the store supports
// owner locks.
func (o *Orchestrator) register(m *session.Machine) error {
	var lock *store.Lock
	if l, ok := o.opts.Store.(locker); ok {
		var err error
		if lock, err = l.Acquire(m.ID()); err != nil {
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		_ = lock.Release()
		return fmt.Errorf("%w: orchestrator is closed", forgeerrors.ErrInvalidTransition)
	}
	if _, exists := o.sessions[m.ID()]; exists {
		_ = lock.Release()
		return fmt.Errorf("%w: session %s is already loaded", forgeerrors.ErrInvalidInput, m.ID())
	}
	o.sessions[m.ID()] = &entry{m: m, lock: lock}
	return nil
}

func (o *Orchestrator) get(id string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.sessions[id]
	if !ok {
		return nil, forgeerrors.UnknownSession(id)
	}
	return e, nil
}

func (o *Orchestrator) machine(id string) (*session.Machine, error) {
	e, err := o.get(id)
	if err != nil {
		return nil, err
	}
	return e.m, nil
}

// entries returns the indexed sessions ordered by ID.
func (o *Orchestrator) entries() []*entry {
	o.mu.RLock()
	out := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		out = append(out, e)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].m.ID() < out[j].m.ID() })
	return out
}

// CreateSession registers a configured session and returns its ID. A zero
// Config takes the orchestrator defaults; any other Config is used as given
// and must be valid.
func (o *Orchestrator) CreateSession(cfg session.Config) (string, error) {
	if cfg.IsZero() {
		cfg = o.opts.Defaults
	}
	m, err := session.NewMachine("", cfg, o.deps())
	if err != nil {
		return "", err
	}
	if err := o.register(m); err != nil {
		return "", err
	}
	if err := m.Configure(cfg); err != nil {
		o.drop(m.ID())
		return "", err
	}
	o.logger.Info("session created", "session_id", m.ID(), "max_rounds", cfg.MaxRounds)
	return m.ID(), nil
}

// Start opens round 1 and arms the configured pause schedule.
func (o *Orchestrator) Start(id string) error {
	m, err := o.machine(id)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	if o.opts.PauseSchedule != "" {
		if _, err := o.SchedulePauseCron(id, o.opts.PauseSchedule, pause.ScheduledReason); err != nil {
			o.logger.Warn("failed to arm pause schedule", "session_id", id, "error", err)
		}
	}
	return nil
}

// Pause blocks until the session reaches a safe point and pauses it.
func (o *Orchestrator) Pause(ctx context.Context, id, reason string) error {
	m, err := o.machine(id)
	if err != nil {
		return err
	}
	return m.Pause(ctx, reason)
}

// Resume continues a paused session.
func (o *Orchestrator) Resume(id string) error {
	m, err := o.machine(id)
	if err != nil {
		return err
	}
	return m.Resume()
}

// Stop ends a session and cancels its scheduled pauses.
func (o *Orchestrator) Stop(id string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	if err := e.m.Stop(); err != nil {
		return err
	}
	o.closeSchedules(e)
	return nil
}

// AdvanceRound seals the current round and opens the next.
func (o *Orchestrator) AdvanceRound(ctx context.Context, id string) (session.Round, error) {
	m, err := o.machine(id)
	if err != nil {
		return session.Round{}, err
	}
	return m.AdvanceRound(ctx)
}

// Conclude seals the current round as the last one.
func (o *Orchestrator) Conclude(ctx context.Context, id string) (session.Round, error) {
	m, err := o.machine(id)
	if err != nil {
		return session.Round{}, err
	}
	return m.Conclude(ctx)
}

// BeginExchange marks a participant exchange in flight. The caller must
// call Done on the result.
func (o *Orchestrator) BeginExchange(id, participant string) (*session.Exchange, error) {
	m, err := o.machine(id)
	if err != nil {
		return nil, err
	}
	return m.BeginExchange(participant)
}

// RollbackToRound rewinds a paused session so round n is replayed.
func (o *Orchestrator) RollbackToRound(id string, n int) error {
	m, err := o.machine(id)
	if err != nil {
		return err
	}
	return m.RollbackToRound(n)
}

// ExtendTimeout pushes the session deadline back and returns the new one.
func (o *Orchestrator) ExtendTimeout(id string, minutes int) (time.Time, error) {
	m, err := o.machine(id)
	if err != nil {
		return time.Time{}, err
	}
	return m.ExtendTimeout(minutes)
}

// GetSessionState returns a deep, restorable copy of the session.
func (o *Orchestrator) GetSessionState(id string) (session.Snapshot, error) {
	m, err := o.machine(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// Summary is a one-line view of an indexed session.
type Summary struct {
	ID           string        `json:"id" yaml:"id"`
	State        session.State `json:"state" yaml:"state"`
	CurrentRound int           `json:"current_round" yaml:"current_round"`
	Pending      int           `json:"pending_requests" yaml:"pending_requests"`
}

// List summarizes the indexed sessions ordered by ID.
func (o *Orchestrator) List() []Summary {
	es := o.entries()
	out := make([]Summary, 0, len(es))
	for _, e := range es {
		out = append(out, Summary{
			ID:           e.m.ID(),
			State:        e.m.State(),
			CurrentRound: e.m.CurrentRound(),
			Pending:      len(e.m.ListPending()),
		})
	}
	return out
}

// Restore loads a session from the store and indexes it.
func (o *Orchestrator) Restore(ctx context.Context, id string) error {
	if o.opts.Store == nil {
		return fmt.Errorf("%w: no snapshot store configured", forgeerrors.ErrInvalidTransition)
	}
	if _, err := o.get(id); err == nil {
		return fmt.Errorf("%w: session %s is already loaded", forgeerrors.ErrInvalidInput, id)
	}
	snap, err := o.opts.Store.Load(ctx, id)
	if err != nil {
		return err
	}
	m, err := session.Restore(snap, o.deps())
	if err != nil {
		return err
	}
	if err := o.register(m); err != nil {
		return err
	}
	o.logger.Info("session restored", "session_id", id, "state", m.State().String(), "round", m.CurrentRound())
	return nil
}

// Remove drops a finished session from the index and the store.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	e, err := o.get(id)
	if err != nil {
		return err
	}
	if st := e.m.State(); !st.Terminal() {
		return forgeerrors.NewSessionError("remove", forgeerrors.ErrInvalidTransition).
			WithSessionID(id).
			WithState(st.String()).
			WithDetail("stop the session first")
	}
	o.drop(id)
	if o.opts.Store != nil {
		if err := o.opts.Store.Delete(ctx, id); err != nil && !forgeerrors.Is(err, forgeerrors.ErrUnknownSession) {
			return err
		}
	}
	o.bus.Publish(event.NewSessionRemovedEvent(id))
	o.logger.Info("session removed", "session_id", id)
	return nil
}

// drop removes a session from the index and releases what it holds.
func (o *Orchestrator) drop(id string) {
	o.mu.Lock()
	e, ok := o.sessions[id]
	delete(o.sessions, id)
	o.mu.Unlock()
	if !ok {
		return
	}
	o.closeSchedules(e)
	if err := e.lock.Release(); err != nil {
		o.logger.Warn("failed to release session lock", "session_id", id, "error", err)
	}
}

// Close cancels scheduled pauses and releases session locks. Sessions are
// left as they are so they can be restored later.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	es := make([]*entry, 0, len(o.sessions))
	for _, e := range o.sessions {
		es = append(es, e)
	}
	o.sessions = make(map[string]*entry)
	o.mu.Unlock()

	var errs []error
	for _, e := range es {
		o.closeSchedules(e)
		if err := e.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return forgeerrors.Join(errs...)
}
