package session

import (
	"context"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/pause"
)

// DefaultPauseReason is recorded when Pause is called without a reason.
const DefaultPauseReason = "manual"

// Pause suspends the session once no exchange is in flight. It waits at
// most the configured pause MaxWait; on timeout or cancellation the session
// is left exactly as it was.
func (m *Machine) Pause(ctx context.Context, reason string) error {
	if reason == "" {
		reason = DefaultPauseReason
	}
	opts := m.pause.Options()
	deadline := m.deps.Now().Add(opts.MaxWait)

	for {
		var (
			b      batch
			paused bool
			err    error
		)
		m.mu.Lock()
		switch {
		case !m.state.Active():
			err = m.fail("pause", forgeerrors.ErrInvalidTransition)
		case m.pause.SafePoint():
			err = m.pauseLocked(reason, &b)
			paused = err == nil
		}
		if paused {
			m.persistLocked()
		}
		m.mu.Unlock()
		m.publish(b)
		if err != nil || paused {
			return err
		}

		remaining := deadline.Sub(m.deps.Now())
		if remaining <= 0 {
			return m.pauseTimeout(opts.MaxWait)
		}
		waitErr := pause.WaitSafePoint(ctx, m.pause, pause.Options{PollInterval: opts.PollInterval, MaxWait: remaining})
		switch {
		case forgeerrors.Is(waitErr, forgeerrors.ErrPauseTimeout):
			return m.pauseTimeout(opts.MaxWait)
		case waitErr != nil:
			return waitErr
		}
	}
}

func (m *Machine) pauseTimeout(maxWait time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Warn("pause timed out waiting for a safe point", "max_wait", maxWait, "in_flight", m.pause.InFlight())
	return m.fail("pause", forgeerrors.NewTimeoutError("waiting for a safe point", maxWait, forgeerrors.ErrPauseTimeout)).
		WithRetryable(true)
}

// pauseLocked flips an active session at a safe point to paused.
func (m *Machine) pauseLocked(reason string, b *batch) error {
	if _, err := m.pause.Begin(reason); err != nil {
		return m.fail("pause", err)
	}
	m.pausedAt = m.deps.Now()
	m.clock.Freeze()
	m.setState(StatePaused, b)
	b.add(event.NewPauseStartedEvent(m.id, reason))
	return nil
}

// Resume continues a paused session. Interventions held during the pause
// are released to the current round.
func (m *Machine) Resume() error {
	return m.commit(func(b *batch) error {
		if m.state != StatePaused {
			return m.fail("resume", forgeerrors.ErrInvalidTransition)
		}
		entry, err := m.pause.End()
		if err != nil {
			return m.fail("resume", err)
		}
		m.pausedAt = time.Time{}
		m.clock.Thaw()
		released := m.queue.ReleaseHeld(m.currentRound)
		m.setState(StateRunning, b)
		if len(released) > 0 {
			m.logger.Info("released held interventions", "count", len(released), "round", m.currentRound)
		}
		b.add(event.NewPauseEndedEvent(m.id, entry.Duration))
		return nil
	})
}

// PauseHistory returns every pause of the session, oldest first.
func (m *Machine) PauseHistory() []pause.Entry { return m.pause.History().Entries() }

// RollbackToRound discards every round after n and reopens round n. Conflict
// history is rewound to the end of round n-1. The session must be paused.
// Rolling back to the same round twice has no further effect.
func (m *Machine) RollbackToRound(n int) error {
	return m.commit(func(b *batch) error {
		if m.state != StatePaused {
			return m.fail("rollback", forgeerrors.ErrInvalidTransition)
		}
		if n < 1 || n > m.currentRound {
			return m.fail("rollback", forgeerrors.ErrInvalidInput).
				WithDetail("round %d is outside 1..%d", n, m.currentRound)
		}
		m.rounds = m.rounds[:n]
		m.rounds[n-1] = Round{Number: n, State: RoundPending}
		m.currentRound = n
		m.conflicts.Rollback(n - 1)
		m.gen++
		m.logger.Info("session rolled back", "round", n)
		return nil
	})
}
