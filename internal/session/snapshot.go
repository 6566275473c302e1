package session

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/convergence"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/intervention"
	"github.com/Iron-Ham/forge/internal/pause"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

// Snapshot is a deep, self-contained copy of a session. It holds everything
// Restore needs to rebuild the machine after a restart.
type Snapshot struct {
	Version        int           `json:"version"`
	ID             string        `json:"id"`
	Config         Config        `json:"config"`
	State          State         `json:"state"`
	CurrentRound   int           `json:"current_round"`
	StartedAt      time.Time     `json:"started_at,omitzero"`
	PausedAt       time.Time     `json:"paused_at,omitzero"`
	EndedAt        time.Time     `json:"ended_at,omitzero"`
	PausedDuration time.Duration `json:"paused_duration"`
	// Deadline is set while the timeout is counting down; Remaining while
	// it is frozen by a pause.
	Deadline  time.Time     `json:"deadline,omitzero"`
	Remaining time.Duration `json:"remaining,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	// InFlight is informational; exchanges do not survive a restore.
	InFlight      []string            `json:"in_flight,omitempty"`
	Rounds        []Round             `json:"rounds"`
	Conflicts     []conflict.Conflict `json:"conflicts"`
	Interventions intervention.State  `json:"interventions"`
	Pauses        []pause.Entry       `json:"pauses,omitempty"`
	Trend         convergence.Trend   `json:"trend"`
}

// Snapshot returns a deep copy of the session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		Version:        SnapshotVersion,
		ID:             m.id,
		Config:         m.cfg.clone(),
		State:          m.state,
		CurrentRound:   m.currentRound,
		StartedAt:      m.startedAt,
		PausedAt:       m.pausedAt,
		EndedAt:        m.endedAt,
		PausedDuration: m.pause.History().Total(),
		LastError:      m.lastError,
		InFlight:       m.pause.InFlight(),
		Rounds:         cloneRounds(m.rounds),
		Conflicts:      m.conflicts.Snapshot(),
		Interventions:  m.queue.Snapshot(),
		Pauses:         m.pause.History().Entries(),
		Trend:          convergence.ComputeTrend(scoreHistory(m.rounds), m.cfg.ConvergenceThreshold),
	}
	if d, ok := m.clock.Deadline(); ok {
		s.Deadline = d
	}
	if r, ok := m.clock.Remaining(); ok {
		s.Remaining = r
	}
	return s
}

// Validate checks the internal consistency of a snapshot.
func (s Snapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", forgeerrors.ErrInvalidInput, s.Version)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: snapshot has no session id", forgeerrors.ErrInvalidInput)
	}
	if err := s.Config.Validate(); err != nil {
		return err
	}
	if s.State == StateIdle || s.State == StateConfigured {
		if s.CurrentRound != 0 || len(s.Rounds) != 0 {
			return fmt.Errorf("%w: %s session cannot have rounds", forgeerrors.ErrInvalidInput, s.State)
		}
		return nil
	}
	if s.CurrentRound < 1 || s.CurrentRound > s.Config.MaxRounds || len(s.Rounds) != s.CurrentRound {
		return fmt.Errorf("%w: current round %d does not match %d rounds (max %d)",
			forgeerrors.ErrInvalidInput, s.CurrentRound, len(s.Rounds), s.Config.MaxRounds)
	}
	for i, r := range s.Rounds {
		if r.Number != i+1 {
			return fmt.Errorf("%w: round %d is numbered %d", forgeerrors.ErrInvalidInput, i+1, r.Number)
		}
		if i < len(s.Rounds)-1 && !r.State.Sealed() {
			return fmt.Errorf("%w: earlier round %d is still %s", forgeerrors.ErrInvalidInput, r.Number, r.State)
		}
	}
	return nil
}

// Restore rebuilds a machine from a snapshot. Exchanges in flight when the
// snapshot was taken are gone, so a deliberating session comes back
// running. A deadline that passed while the process was down expires
// immediately.
func Restore(s Snapshot, deps Deps) (*Machine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := NewMachine(s.ID, s.Config, deps)
	if err != nil {
		return nil, err
	}
	if err := m.conflicts.Restore(s.Conflicts); err != nil {
		return nil, err
	}
	if err := m.queue.Restore(s.Interventions); err != nil {
		return nil, err
	}
	if err := m.pause.History().Restore(s.Pauses); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.state = s.State
	if m.state == StateDeliberating {
		m.state = StateRunning
	}
	m.currentRound = s.CurrentRound
	m.rounds = cloneRounds(s.Rounds)
	m.startedAt = s.StartedAt
	m.pausedAt = s.PausedAt
	m.endedAt = s.EndedAt
	m.lastError = s.LastError
	state := m.state
	m.mu.Unlock()

	switch {
	case state.Terminal():
		m.clock.Stop()
	case state == StatePaused && s.Remaining > 0:
		m.clock.ArmFrozen(s.Remaining)
	case !s.Deadline.IsZero():
		m.clock.ArmAt(s.Deadline)
	}
	m.logger.Info("session restored", "state", state.String(), "round", s.CurrentRound)
	return m, nil
}
