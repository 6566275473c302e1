package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/convergence"
	"github.com/Iron-Ham/forge/internal/drafts"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/intervention"
	"github.com/Iron-Ham/forge/internal/logging"
	"github.com/Iron-Ham/forge/internal/pause"
)

// Scorer computes the convergence of one round for a topic taxonomy.
// *convergence.Engine satisfies it.
type Scorer interface {
	EvaluateTopics(ctx context.Context, ds []drafts.Draft, topics []convergence.Topic) (convergence.Result, error)
}

// Detector finds the conflicts among one round's drafts.
// *conflict.Detector satisfies it.
type Detector interface {
	Detect(ctx context.Context, ds []drafts.Draft) ([]conflict.Conflict, error)
}

// Deps are the collaborators of a Machine. Fetcher is required; the rest
// default to the stock engines, a silent logger and no event bus.
type Deps struct {
	Fetcher  drafts.Fetcher
	Scorer   Scorer
	Detector Detector
	Bus      *event.Bus
	Logger   *logging.Logger
	Pause    pause.Options
	Now      func() time.Time
	NewID    func() string

	// Persist receives a snapshot after every committed change. It runs
	// under the session lock so snapshots reach it in order. Errors are
	// logged and do not fail the operation.
	Persist func(Snapshot) error
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Fetcher == nil {
		return d, fmt.Errorf("%w: a draft fetcher is required", forgeerrors.ErrInvalidInput)
	}
	if d.Scorer == nil {
		d.Scorer = convergence.NewEngine(convergence.Options{})
	}
	if d.Detector == nil {
		d.Detector = conflict.NewDetector(conflict.Options{})
	}
	if d.Logger == nil {
		d.Logger = logging.NopLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d, nil
}

// engineExchange is the gate entry held while the machine itself is
// fetching and scoring a round.
const engineExchange = "forge-engine"

// Machine is the state machine of one session. All methods are safe for
// concurrent use; mutations are serialized by a single mutex.
type Machine struct {
	mu sync.Mutex

	id           string
	cfg          Config
	state        State
	currentRound int
	rounds       []Round
	startedAt    time.Time
	pausedAt     time.Time
	endedAt      time.Time
	lastError    string

	// gen changes whenever the session leaves the round an in-flight
	// advance started from (stop, timeout, rollback).
	gen       uint64
	advancing bool

	deps      Deps
	logger    *logging.Logger
	conflicts *conflict.Registry
	queue     *intervention.Queue
	pause     *pause.Controller
	clock     *deadlineClock
}

// NewMachine creates an idle session. An empty id is replaced by a new UUID.
func NewMachine(id string, cfg Config, deps Deps) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = deps.NewID()
	}
	m := &Machine{
		id:        id,
		cfg:       cfg.clone(),
		state:     StateIdle,
		deps:      deps,
		logger:    deps.Logger.WithSession(id).WithComponent("session"),
		conflicts: conflict.NewRegistry(deps.NewID),
		queue:     intervention.NewQueue(deps.NewID, deps.Now),
		pause:     pause.NewController(deps.Pause, deps.Now),
	}
	m.clock = newDeadlineClock(deps.Now, m.expire)
	return m, nil
}

// batch collects events raised under the lock for publishing after it.
type batch struct {
	events []event.Event
}

func (b *batch) add(e event.Event) { b.events = append(b.events, e) }

// commit runs fn under the session lock. On success the new state is
// persisted; events fn recorded are published once the lock is released.
func (m *Machine) commit(fn func(b *batch) error) error {
	var b batch
	m.mu.Lock()
	err := fn(&b)
	if err == nil {
		m.persistLocked()
	}
	m.mu.Unlock()
	m.publish(b)
	return err
}

func (m *Machine) publish(b batch) {
	if m.deps.Bus == nil {
		return
	}
	for _, e := range b.events {
		m.deps.Bus.Publish(e)
	}
}

// persistLocked hands the current snapshot to Persist. Callers hold m.mu.
func (m *Machine) persistLocked() {
	if m.deps.Persist == nil {
		return
	}
	if err := m.deps.Persist(m.snapshotLocked()); err != nil {
		m.logger.Warn("failed to persist session snapshot", "error", err)
	}
}

// fail wraps cause with the session context. Callers hold m.mu.
func (m *Machine) fail(op string, cause error) *forgeerrors.SessionError {
	return forgeerrors.NewSessionError(op, cause).WithSessionID(m.id).WithState(m.state.String())
}

// setState moves the session to a new state. Callers hold m.mu and have
// already checked the transition.
func (m *Machine) setState(to State, b *batch) {
	from := m.state
	if !CanTransition(from, to) {
		// Reaching this is a bug in the caller's checks.
		panic(fmt.Sprintf("session %s: illegal transition %s -> %s", m.id, from, to))
	}
	m.state = to
	m.logger.Info("session state changed", "from", from.String(), "to", to.String(), "round", m.currentRound)
	b.add(event.NewStateChangedEvent(m.id, from.String(), to.String(), m.currentRound))
}

// ID returns the session identifier.
func (m *Machine) ID() string { return m.id }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentRound returns the current round number, 0 before Start.
func (m *Machine) CurrentRound() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRound
}

// Config returns a copy of the session configuration.
func (m *Machine) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.clone()
}

// Configure replaces the configuration of a session that has not started.
func (m *Machine) Configure(cfg Config) error {
	return m.commit(func(b *batch) error {
		if m.state != StateIdle && m.state != StateConfigured {
			return m.fail("configure", forgeerrors.ErrInvalidTransition)
		}
		if err := cfg.Validate(); err != nil {
			return m.fail("configure", err)
		}
		m.cfg = cfg.clone()
		m.setState(StateConfigured, b)
		return nil
	})
}

// Start opens round 1 and arms the session timeout.
func (m *Machine) Start() error {
	return m.commit(func(b *batch) error {
		if m.state != StateIdle && m.state != StateConfigured {
			return m.fail("start", forgeerrors.ErrInvalidTransition)
		}
		m.startedAt = m.deps.Now()
		m.currentRound = 1
		m.rounds = []Round{{Number: 1, State: RoundPending}}
		m.setState(StateRunning, b)
		m.clock.Arm(m.cfg.Timeout)
		return nil
	})
}

// Stop ends the session for good, failing the open round.
func (m *Machine) Stop() error {
	return m.commit(func(b *batch) error {
		if m.state.Terminal() {
			return m.fail("stop", forgeerrors.ErrInvalidTransition)
		}
		m.terminateLocked("stopped", b)
		m.setState(StateStopped, b)
		return nil
	})
}

// expire is the timeout watchdog callback.
func (m *Machine) expire(deadline time.Time) {
	_ = m.commit(func(b *batch) error {
		if m.state.Terminal() {
			return nil
		}
		m.logger.Warn("session timed out", "deadline", deadline)
		m.terminateLocked("timed out", b)
		m.lastError = forgeerrors.ErrSessionTimeout.Error()
		m.setState(StateError, b)
		b.add(event.NewSessionTimeoutEvent(m.id, deadline))
		return nil
	})
}

// terminateLocked fails the open round, closes any open pause and stops
// the clock ahead of a move to a terminal state. Callers hold m.mu.
func (m *Machine) terminateLocked(reason string, b *batch) {
	now := m.deps.Now()
	if m.currentRound > 0 {
		r := &m.rounds[m.currentRound-1]
		if !r.State.Sealed() {
			r.State = RoundFailed
			r.EndedAt = now
			r.FailureReason = reason
			b.add(event.NewRoundSealedEvent(m.id, r.Number, string(r.State), r.Score, len(r.ConflictIDs), len(r.Dissents), r.Duration()))
		}
	}
	if m.state == StatePaused {
		if _, err := m.pause.End(); err != nil {
			m.logger.Warn("no open pause to close", "error", err)
		}
		m.pausedAt = time.Time{}
	}
	m.gen++
	m.endedAt = now
	m.clock.Stop()
}

// ExtendTimeout pushes the deadline out by minutes and returns the new
// deadline. It only takes the clock's lock to move the deadline, so it may
// be called while a round is being sealed.
func (m *Machine) ExtendTimeout(minutes int) (time.Time, error) {
	if minutes <= 0 {
		return time.Time{}, forgeerrors.NewSessionError("extend timeout", forgeerrors.ErrInvalidInput).
			WithSessionID(m.id).
			WithDetail("minutes must be positive, got %d", minutes)
	}
	deadline, ok := m.clock.Extend(time.Duration(minutes) * time.Minute)
	if !ok {
		return time.Time{}, forgeerrors.NewSessionError("extend timeout", forgeerrors.ErrInvalidTransition).
			WithSessionID(m.id).
			WithDetail("no session deadline is running")
	}
	m.logger.Info("session timeout extended", "minutes", minutes, "deadline", deadline)

	m.mu.Lock()
	m.persistLocked()
	m.mu.Unlock()
	return deadline, nil
}

// Trend returns the convergence trend over the sealed rounds.
func (m *Machine) Trend() convergence.Trend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return convergence.ComputeTrend(scoreHistory(m.rounds), m.cfg.ConvergenceThreshold)
}
