// Package conflict finds contradictions between participants' drafts and
// tracks them across rounds.
//
// Detection is pairwise: for every unordered pair of participants each
// Extractor proposes candidate contradictions citing exact byte spans in
// both drafts. Candidates are folded into Conflicts keyed by the sorted
// participant set plus the conflict type, and the Registry merges each
// round's conflicts into the session history so that a contradiction seen
// again in a later round keeps its identity instead of being duplicated.
package conflict

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Type classifies a contradiction.
type Type string

const (
	TypeFactual  Type = "factual"
	TypeOpinion  Type = "opinion"
	TypeApproach Type = "approach"
	TypePriority Type = "priority"
)

// Valid reports whether t is one of the four conflict types.
func (t Type) Valid() bool {
	switch t {
	case TypeFactual, TypeOpinion, TypeApproach, TypePriority:
		return true
	}
	return false
}

// Severity ranks how much a contradiction threatens consensus.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts the three severity names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Status tracks operator handling of a conflict.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Key is a conflict's identity: sorted participant IDs plus type.
type Key string

// MakeKey builds the identity key for a participant set and type. The order
// of participants does not matter and duplicates are ignored.
func MakeKey(participants []string, t Type) Key {
	ps := slices.Clone(participants)
	sort.Strings(ps)
	ps = slices.Compact(ps)
	return Key(strings.Join(ps, "+") + "/" + string(t))
}

// Statement is one side of a contradiction: an excerpt of a draft with its
// byte offsets, so that draft.Text[Start:End] == Excerpt.
type Statement struct {
	Participant string `json:"participant"`
	DraftID     string `json:"draft_id"`
	Excerpt     string `json:"excerpt"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// Candidate is a single contradiction proposed by an Extractor.
type Candidate struct {
	Type       Type
	Severity   Severity
	Statements [2]Statement
	Summary    string
	Extractor  string
	// Delta is the relative difference of numeric claims, 0 otherwise.
	Delta float64
}

// Conflict is an identity-stable contradiction between participants.
type Conflict struct {
	ID           string      `json:"id"`
	Key          Key         `json:"key"`
	Type         Type        `json:"type"`
	Severity     Severity    `json:"severity"`
	Status       Status      `json:"status"`
	Participants []string    `json:"participants"`
	Statements   []Statement `json:"statements"`
	Summary      string      `json:"summary,omitempty"`

	FirstSeenRound int `json:"first_seen_round"`
	// Round is the latest round the conflict was detected in.
	Round int `json:"round"`
	// PreviousRounds lists earlier rounds it was detected in, ascending.
	PreviousRounds []int `json:"previous_rounds"`

	Resolution        string `json:"resolution,omitempty"`
	ResolvedRound     int    `json:"resolved_round,omitempty"`
	AcknowledgedRound int    `json:"acknowledged_round,omitempty"`
	// ReopenedRound is the round a resolved conflict was detected again in.
	// While set the resolution no longer holds.
	ReopenedRound int `json:"reopened_round,omitempty"`

	// Dormant conflicts were only seen in rounds discarded by a rollback.
	// They are hidden but keep their ID should the contradiction return.
	Dormant bool `json:"dormant,omitempty"`
}

// Recurrences is the number of rounds the conflict was detected in.
func (c *Conflict) Recurrences() int {
	return len(c.PreviousRounds) + 1
}

// SeenIn reports whether the conflict was detected in round.
func (c *Conflict) SeenIn(round int) bool {
	return c.Round == round || slices.Contains(c.PreviousRounds, round)
}

// Clone returns a deep copy.
func (c *Conflict) Clone() Conflict {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	cp.Statements = slices.Clone(c.Statements)
	cp.PreviousRounds = slices.Clone(c.PreviousRounds)
	if cp.PreviousRounds == nil {
		cp.PreviousRounds = []int{}
	}
	return cp
}

// UnmarshalJSON rejects unknown types, severities and statuses so a restored
// snapshot cannot carry values the engine never produces.
func (c *Conflict) UnmarshalJSON(data []byte) error {
	type plain Conflict
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if !p.Type.Valid() {
		return fmt.Errorf("conflict %s: unknown type %q", p.ID, p.Type)
	}
	if p.Severity.Rank() == 0 {
		return fmt.Errorf("conflict %s: unknown severity %q", p.ID, p.Severity)
	}
	switch p.Status {
	case StatusPending, StatusAcknowledged, StatusResolved:
	default:
		return fmt.Errorf("conflict %s: unknown status %q", p.ID, p.Status)
	}
	*c = Conflict(p)
	return nil
}
