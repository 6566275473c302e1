package session

import (
	"github.com/Iron-Ham/forge/internal/conflict"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/intervention"
)

// interventionsAllowed rejects queue changes on sessions that do not take
// human input. Callers hold m.mu.
func (m *Machine) interventionsAllowed(op string) error {
	if !m.cfg.AllowHumanIntervention {
		return m.fail(op, forgeerrors.ErrInvalidTransition).WithDetail("human intervention is disabled for this session")
	}
	if m.state.Terminal() {
		return m.fail(op, forgeerrors.ErrInvalidTransition)
	}
	return nil
}

// RequestIntervention files a request for human input. Round defaults to
// the current round.
func (m *Machine) RequestIntervention(d intervention.Details) (intervention.Request, error) {
	var req intervention.Request
	err := m.commit(func(b *batch) error {
		if err := m.interventionsAllowed("request intervention"); err != nil {
			return err
		}
		if d.ConflictID != "" {
			if _, err := m.conflicts.Get(d.ConflictID); err != nil {
				return m.fail("request intervention", err)
			}
		}
		if d.Round == 0 {
			d.Round = m.currentRound
		}
		r, err := m.queue.Enqueue(d)
		if err != nil {
			return m.fail("request intervention", err)
		}
		req = r
		b.add(event.NewInterventionRequestedEvent(m.id, r.ID, string(r.Priority)))
		return nil
	})
	return req, err
}

// SubmitIntervention stores an intervention, resolving its linked request.
// While paused the intervention is held until Resume.
func (m *Machine) SubmitIntervention(iv intervention.Intervention) (intervention.Intervention, error) {
	var out intervention.Intervention
	err := m.commit(func(b *batch) error {
		if err := m.interventionsAllowed("submit intervention"); err != nil {
			return err
		}
		held := m.state == StatePaused
		stored, err := m.queue.Submit(iv, max(m.currentRound, 1), held)
		if err != nil {
			return m.fail("submit intervention", err)
		}
		out = stored
		m.logger.Info("intervention submitted",
			"intervention_id", stored.ID,
			"type", string(stored.Type),
			"target_round", stored.TargetRound,
			"held", held,
		)
		b.add(event.NewInterventionSubmittedEvent(m.id, stored.ID, stored.RequestID, held))
		return nil
	})
	return out, err
}

// DismissRequest closes a request without an intervention.
func (m *Machine) DismissRequest(id string) (intervention.Request, error) {
	return m.changeRequest("dismiss request", id, m.queue.Dismiss)
}

// EscalateRequest raises a request one priority tier.
func (m *Machine) EscalateRequest(id string) (intervention.Request, error) {
	return m.changeRequest("escalate request", id, m.queue.Escalate)
}

func (m *Machine) changeRequest(op, id string, fn func(string) (intervention.Request, error)) (intervention.Request, error) {
	var req intervention.Request
	err := m.commit(func(b *batch) error {
		if err := m.interventionsAllowed(op); err != nil {
			return err
		}
		r, err := fn(id)
		if err != nil {
			return m.fail(op, err)
		}
		req = r
		return nil
	})
	return req, err
}

// HasRequest reports whether the request belongs to this session.
func (m *Machine) HasRequest(id string) bool {
	_, err := m.queue.Get(id)
	return err == nil
}

// Request returns one intervention request.
func (m *Machine) Request(id string) (intervention.Request, error) { return m.queue.Get(id) }

// ListPending returns open requests, most urgent first.
func (m *Machine) ListPending() []intervention.Request { return m.queue.ListPending() }

// NextRequest returns the most urgent open request.
func (m *Machine) NextRequest() (intervention.Request, bool) { return m.queue.PeekNext() }

// Guidance returns the active interventions for a round.
func (m *Machine) Guidance(round int) []intervention.Intervention { return m.queue.Guidance(round) }

// Interventions returns every submitted intervention.
func (m *Machine) Interventions() []intervention.Intervention { return m.queue.Interventions() }

// Conflicts lists the session's conflicts matching f.
func (m *Machine) Conflicts(f conflict.Filter) []conflict.Conflict { return m.conflicts.List(f) }

// Conflict returns one conflict by ID.
func (m *Machine) Conflict(id string) (conflict.Conflict, error) { return m.conflicts.Get(id) }

// sealedRoundLocked is the last sealed round, 0 if none.
func (m *Machine) sealedRoundLocked() int {
	for i := len(m.rounds) - 1; i >= 0; i-- {
		if m.rounds[i].State.Sealed() {
			return m.rounds[i].Number
		}
	}
	return 0
}

// ResolveConflict records an explicit resolution.
func (m *Machine) ResolveConflict(id, resolution string) (conflict.Conflict, error) {
	var out conflict.Conflict
	err := m.commit(func(b *batch) error {
		c, err := m.conflicts.Resolve(id, resolution, m.sealedRoundLocked())
		if err != nil {
			return m.fail("resolve conflict", err)
		}
		out = c
		m.logger.Info("conflict resolved", "conflict_id", id)
		b.add(event.NewConflictResolvedEvent(m.id, id))
		return nil
	})
	return out, err
}

// AcknowledgeConflict marks a conflict as seen without resolving it.
func (m *Machine) AcknowledgeConflict(id string) (conflict.Conflict, error) {
	var out conflict.Conflict
	err := m.commit(func(b *batch) error {
		c, err := m.conflicts.Acknowledge(id, max(m.sealedRoundLocked(), 1))
		if err != nil {
			return m.fail("acknowledge conflict", err)
		}
		out = c
		return nil
	})
	return out, err
}
