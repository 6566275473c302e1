package session

import (
	"slices"
	"time"

	"github.com/Iron-Ham/forge/internal/convergence"
	"github.com/Iron-Ham/forge/internal/drafts"
)

// Round is the record of one deliberation round. It is immutable once its
// State is sealed.
type Round struct {
	Number    int                      `json:"number"`
	State     RoundState               `json:"state"`
	StartedAt time.Time                `json:"started_at,omitzero"`
	EndedAt   time.Time                `json:"ended_at,omitzero"`
	Drafts    []drafts.Draft           `json:"drafts,omitempty"`
	Score     float64                  `json:"score"`
	Topics    []convergence.TopicScore `json:"topics,omitempty"`
	Dissents  []convergence.Dissent    `json:"dissents,omitempty"`
	// ConflictIDs lists every conflict seen in this round, new or recurring.
	ConflictIDs []string `json:"conflict_ids,omitempty"`

	// Trend as of this round's seal.
	Velocity float64              `json:"velocity"`
	Estimate convergence.Estimate `json:"estimate"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// Duration is the time the round was open, or zero if it never started or
// has not ended.
func (r Round) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

func (r Round) clone() Round {
	r.Drafts = slices.Clone(r.Drafts)
	r.Topics = slices.Clone(r.Topics)
	r.Dissents = slices.Clone(r.Dissents)
	r.ConflictIDs = slices.Clone(r.ConflictIDs)
	return r
}

func cloneRounds(rs []Round) []Round {
	out := make([]Round, len(rs))
	for i, r := range rs {
		out[i] = r.clone()
	}
	return out
}

// scoreHistory returns the scores of sealed, non-failed rounds in order.
func scoreHistory(rs []Round) []float64 {
	var out []float64
	for _, r := range rs {
		if r.State == RoundCompleted || r.State == RoundConverged {
			out = append(out, r.Score)
		}
	}
	return out
}
