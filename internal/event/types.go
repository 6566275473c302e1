package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "round.sealed".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type names.
const (
	TypeStateChanged          = "session.state_changed"
	TypeSessionTimeout        = "session.timeout"
	TypeSessionRemoved        = "session.removed"
	TypeRoundSealed           = "round.sealed"
	TypeConflictDetected      = "conflict.detected"
	TypeConflictResolved      = "conflict.resolved"
	TypeInterventionRequested = "intervention.requested"
	TypeInterventionSubmitted = "intervention.submitted"
	TypePauseStarted          = "pause.started"
	TypePauseEnded            = "pause.ended"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// StateChangedEvent is emitted after every committed session transition.
type StateChangedEvent struct {
	baseEvent
	SessionID string
	From      string
	To        string
	Round     int // current round after the transition
}

// NewStateChangedEvent creates a StateChangedEvent.
func NewStateChangedEvent(sessionID, from, to string, round int) StateChangedEvent {
	return StateChangedEvent{
		baseEvent: newBaseEvent(TypeStateChanged),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Round:     round,
	}
}

// SessionTimeoutEvent is emitted when the session deadline passes and the
// session is moved to the error state.
type SessionTimeoutEvent struct {
	baseEvent
	SessionID string
	Deadline  time.Time
}

// NewSessionTimeoutEvent creates a SessionTimeoutEvent.
func NewSessionTimeoutEvent(sessionID string, deadline time.Time) SessionTimeoutEvent {
	return SessionTimeoutEvent{
		baseEvent: newBaseEvent(TypeSessionTimeout),
		SessionID: sessionID,
		Deadline:  deadline,
	}
}

// SessionRemovedEvent is emitted when a finished session is dropped from
// its orchestrator and store.
type SessionRemovedEvent struct {
	baseEvent
	SessionID string
}

// NewSessionRemovedEvent creates a SessionRemovedEvent.
func NewSessionRemovedEvent(sessionID string) SessionRemovedEvent {
	return SessionRemovedEvent{
		baseEvent: newBaseEvent(TypeSessionRemoved),
		SessionID: sessionID,
	}
}

// RoundSealedEvent is emitted when a round reaches completed, converged or failed.
type RoundSealedEvent struct {
	baseEvent
	SessionID string
	Round     int
	State     string
	Score     float64
	Conflicts int
	Dissents  int
	Duration  time.Duration
}

// NewRoundSealedEvent creates a RoundSealedEvent.
func NewRoundSealedEvent(sessionID string, round int, state string, score float64, conflicts, dissents int, duration time.Duration) RoundSealedEvent {
	return RoundSealedEvent{
		baseEvent: newBaseEvent(TypeRoundSealed),
		SessionID: sessionID,
		Round:     round,
		State:     state,
		Score:     score,
		Conflicts: conflicts,
		Dissents:  dissents,
		Duration:  duration,
	}
}

// -----------------------------------------------------------------------------
// Conflict Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted for every conflict seen in a sealed round.
type ConflictDetectedEvent struct {
	baseEvent
	SessionID  string
	ConflictID string
	Type       string
	Severity   string
	Round      int
	Recurring  bool // seen in an earlier round too
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(sessionID, conflictID, conflictType, severity string, round int, recurring bool) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent:  newBaseEvent(TypeConflictDetected),
		SessionID:  sessionID,
		ConflictID: conflictID,
		Type:       conflictType,
		Severity:   severity,
		Round:      round,
		Recurring:  recurring,
	}
}

// ConflictResolvedEvent is emitted when an operator resolves a conflict.
type ConflictResolvedEvent struct {
	baseEvent
	SessionID  string
	ConflictID string
}

// NewConflictResolvedEvent creates a ConflictResolvedEvent.
func NewConflictResolvedEvent(sessionID, conflictID string) ConflictResolvedEvent {
	return ConflictResolvedEvent{
		baseEvent:  newBaseEvent(TypeConflictResolved),
		SessionID:  sessionID,
		ConflictID: conflictID,
	}
}

// -----------------------------------------------------------------------------
// Intervention Events
// -----------------------------------------------------------------------------

// InterventionRequestedEvent is emitted when a request enters the queue.
type InterventionRequestedEvent struct {
	baseEvent
	SessionID string
	RequestID string
	Priority  string
}

// NewInterventionRequestedEvent creates an InterventionRequestedEvent.
func NewInterventionRequestedEvent(sessionID, requestID, priority string) InterventionRequestedEvent {
	return InterventionRequestedEvent{
		baseEvent: newBaseEvent(TypeInterventionRequested),
		SessionID: sessionID,
		RequestID: requestID,
		Priority:  priority,
	}
}

// InterventionSubmittedEvent is emitted when an operator submits an intervention.
type InterventionSubmittedEvent struct {
	baseEvent
	SessionID      string
	InterventionID string
	RequestID      string // empty when not linked to a request
	Held           bool   // submitted while paused
}

// NewInterventionSubmittedEvent creates an InterventionSubmittedEvent.
func NewInterventionSubmittedEvent(sessionID, interventionID, requestID string, held bool) InterventionSubmittedEvent {
	return InterventionSubmittedEvent{
		baseEvent:      newBaseEvent(TypeInterventionSubmitted),
		SessionID:      sessionID,
		InterventionID: interventionID,
		RequestID:      requestID,
		Held:           held,
	}
}

// -----------------------------------------------------------------------------
// Pause Events
// -----------------------------------------------------------------------------

// PauseStartedEvent is emitted once a session is paused at a safe point.
type PauseStartedEvent struct {
	baseEvent
	SessionID string
	Reason    string
}

// NewPauseStartedEvent creates a PauseStartedEvent.
func NewPauseStartedEvent(sessionID, reason string) PauseStartedEvent {
	return PauseStartedEvent{
		baseEvent: newBaseEvent(TypePauseStarted),
		SessionID: sessionID,
		Reason:    reason,
	}
}

// PauseEndedEvent is emitted when a paused session resumes.
type PauseEndedEvent struct {
	baseEvent
	SessionID string
	Duration  time.Duration
}

// NewPauseEndedEvent creates a PauseEndedEvent.
func NewPauseEndedEvent(sessionID string, duration time.Duration) PauseEndedEvent {
	return PauseEndedEvent{
		baseEvent: newBaseEvent(TypePauseEnded),
		SessionID: sessionID,
		Duration:  duration,
	}
}
