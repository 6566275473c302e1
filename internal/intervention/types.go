// Package intervention holds the human-intervention requests raised during a
// session and the interventions operators submit in response.
package intervention

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Priority is the urgency tier of a request or intervention.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities; higher is more urgent. Unknown priorities rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Raise returns the next tier up. Critical stays critical.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// ParsePriority accepts the four tier names in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Rank() == 0 {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Type is the kind of an intervention.
type Type string

const (
	TypeGuidance      Type = "guidance"
	TypeOverride      Type = "override"
	TypeContext       Type = "context"
	TypeClarification Type = "clarification"
)

// Valid reports whether t is a known intervention type.
func (t Type) Valid() bool {
	switch t {
	case TypeGuidance, TypeOverride, TypeContext, TypeClarification:
		return true
	}
	return false
}

// Impact is the operator's estimate of how much an intervention changes the
// discussion.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Valid reports whether i is a known impact.
func (i Impact) Valid() bool {
	return i == ImpactLow || i == ImpactMedium || i == ImpactHigh
}

// RequestStatus is the lifecycle of a request. Pending and escalated
// requests are open and stay in the queue.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestEscalated RequestStatus = "escalated"
	RequestDismissed RequestStatus = "dismissed"
	RequestResolved  RequestStatus = "resolved"
)

// Open reports whether the request still awaits an operator.
func (s RequestStatus) Open() bool {
	return s == RequestPending || s == RequestEscalated
}

// Details describe a new request.
type Details struct {
	Priority      Priority
	SuggestedType Type
	Reason        string
	// Round is the round that raised the request, if any.
	Round int
	// ConflictID links the request to the conflict that raised it.
	ConflictID string
}

// Request asks a human to intervene.
type Request struct {
	ID            string        `json:"id"`
	Priority      Priority      `json:"priority"`
	SuggestedType Type          `json:"suggested_type"`
	Reason        string        `json:"reason,omitempty"`
	Round         int           `json:"round,omitempty"`
	ConflictID    string        `json:"conflict_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Status        RequestStatus `json:"status"`
	ResolvedBy    string        `json:"resolved_by,omitempty"`
	Escalations   int           `json:"escalations,omitempty"`
	// Seq is the arrival order; it breaks ties within a priority tier and
	// survives escalation.
	Seq uint64 `json:"seq"`

	index int
}

// Status of a submitted intervention.
type Status string

const (
	// StatusHeld interventions were submitted while the session was paused
	// and wait for the next round.
	StatusHeld   Status = "held"
	StatusActive Status = "active"
)

// Intervention is operator input delivered to participants. Its content is
// immutable once submitted.
type Intervention struct {
	ID                 string    `json:"id"`
	Type               Type      `json:"type"`
	Content            string    `json:"content"`
	TargetRound        int       `json:"target_round"`
	TargetParticipants []string  `json:"target_participants,omitempty"`
	Priority           Priority  `json:"priority"`
	Impact             Impact    `json:"impact"`
	CreatedBy          string    `json:"created_by,omitempty"`
	RequestID          string    `json:"request_id,omitempty"`
	Status             Status    `json:"status"`
	SubmittedAt        time.Time `json:"submitted_at"`
	ReleasedRound      int       `json:"released_round,omitempty"`
}

func (iv Intervention) clone() Intervention {
	iv.TargetParticipants = slices.Clone(iv.TargetParticipants)
	return iv
}

// Targets reports whether the intervention is addressed to participant.
// An empty target list addresses everyone.
func (iv Intervention) Targets(participant string) bool {
	return len(iv.TargetParticipants) == 0 || slices.Contains(iv.TargetParticipants, participant)
}
