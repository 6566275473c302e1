package orchestrator

import (
	"github.com/Iron-Ham/forge/internal/conflict"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/intervention"
	"github.com/Iron-Ham/forge/internal/session"
)

// RequestIntervention files a request for human input and returns its ID.
func (o *Orchestrator) RequestIntervention(id string, d intervention.Details) (string, error) {
	m, err := o.machine(id)
	if err != nil {
		return "", err
	}
	req, err := m.RequestIntervention(d)
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

// SubmitIntervention stores operator input for a session.
func (o *Orchestrator) SubmitIntervention(id string, iv intervention.Intervention) (intervention.Intervention, error) {
	m, err := o.machine(id)
	if err != nil {
		return intervention.Intervention{}, err
	}
	return m.SubmitIntervention(iv)
}

// DismissRequest closes a request, wherever it lives.
func (o *Orchestrator) DismissRequest(requestID string) (intervention.Request, error) {
	m, err := o.byRequest(requestID)
	if err != nil {
		return intervention.Request{}, err
	}
	return m.DismissRequest(requestID)
}

// EscalateRequest raises a request one priority tier.
func (o *Orchestrator) EscalateRequest(requestID string) (intervention.Request, error) {
	m, err := o.byRequest(requestID)
	if err != nil {
		return intervention.Request{}, err
	}
	return m.EscalateRequest(requestID)
}

// ListPending returns the open requests of a session, most urgent first.
func (o *Orchestrator) ListPending(id string) ([]intervention.Request, error) {
	m, err := o.machine(id)
	if err != nil {
		return nil, err
	}
	return m.ListPending(), nil
}

// Guidance returns the interventions participants should see in a round.
func (o *Orchestrator) Guidance(id string, round int) ([]intervention.Intervention, error) {
	m, err := o.machine(id)
	if err != nil {
		return nil, err
	}
	return m.Guidance(round), nil
}

// GetConflicts lists a session's conflicts. A round of 0 lists all of them;
// otherwise only those seen in that round.
func (o *Orchestrator) GetConflicts(id string, round int) ([]conflict.Conflict, error) {
	return o.FilterConflicts(id, conflict.Filter{Round: round})
}

// FilterConflicts lists a session's conflicts matching f.
func (o *Orchestrator) FilterConflicts(id string, f conflict.Filter) ([]conflict.Conflict, error) {
	m, err := o.machine(id)
	if err != nil {
		return nil, err
	}
	return m.Conflicts(f), nil
}

// ResolveConflict records a resolution, wherever the conflict lives.
func (o *Orchestrator) ResolveConflict(conflictID, resolution string) (conflict.Conflict, error) {
	m, err := o.byConflict(conflictID)
	if err != nil {
		return conflict.Conflict{}, err
	}
	return m.ResolveConflict(conflictID, resolution)
}

// AcknowledgeConflict marks a conflict as seen.
func (o *Orchestrator) AcknowledgeConflict(conflictID string) (conflict.Conflict, error) {
	m, err := o.byConflict(conflictID)
	if err != nil {
		return conflict.Conflict{}, err
	}
	return m.AcknowledgeConflict(conflictID)
}

// byRequest finds the session owning a request. IDs are UUIDs, so at most
// one session matches.
func (o *Orchestrator) byRequest(requestID string) (*session.Machine, error) {
	for _, e := range o.entries() {
		if e.m.HasRequest(requestID) {
			return e.m, nil
		}
	}
	return nil, forgeerrors.UnknownRequest(requestID)
}

func (o *Orchestrator) byConflict(conflictID string) (*session.Machine, error) {
	for _, e := range o.entries() {
		if _, err := e.m.Conflict(conflictID); err == nil {
			return e.m, nil
		}
	}
	return nil, forgeerrors.UnknownConflict(conflictID)
}
