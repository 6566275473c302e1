package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/convergence"
	"github.com/Iron-Ham/forge/internal/drafts"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/intervention"
)

// Exchange is one participant draft or critique exchange in flight. The
// session cannot pause until every exchange is done.
type Exchange struct {
	m           *Machine
	participant string
	round       int
	release     func()
	once        sync.Once
}

// Participant returns the participant this exchange belongs to.
func (x *Exchange) Participant() string { return x.participant }

// Round returns the round the exchange was started in.
func (x *Exchange) Round() int { return x.round }

// Done ends the exchange. It is safe to call more than once.
func (x *Exchange) Done() {
	x.once.Do(func() {
		m := x.m
		_ = m.commit(func(b *batch) error {
			x.release()
			m.settleLocked(b)
			return nil
		})
	})
}

// settleLocked returns a deliberating session to running once nothing is
// in flight. Callers hold m.mu.
func (m *Machine) settleLocked(b *batch) {
	if m.state == StateDeliberating && !m.advancing && m.pause.SafePoint() {
		m.setState(StateRunning, b)
	}
}

// BeginExchange marks an exchange with participant in flight for the
// current round, moving the session to deliberating.
func (m *Machine) BeginExchange(participant string) (*Exchange, error) {
	var x *Exchange
	err := m.commit(func(b *batch) error {
		if strings.TrimSpace(participant) == "" {
			return m.fail("begin exchange", forgeerrors.ErrInvalidInput).WithDetail("participant is required")
		}
		if !m.state.Active() {
			return m.fail("begin exchange", forgeerrors.ErrInvalidTransition)
		}
		if m.advancing {
			return m.fail("begin exchange", forgeerrors.ErrInvalidTransition).
				WithDetail("round %d is being sealed", m.currentRound)
		}
		m.openRoundLocked()
		x = &Exchange{m: m, participant: participant, round: m.currentRound, release: m.pause.Enter(participant)}
		if m.state == StateRunning {
			m.setState(StateDeliberating, b)
		}
		return nil
	})
	return x, err
}

// openRoundLocked moves a pending current round to in_progress.
func (m *Machine) openRoundLocked() {
	r := &m.rounds[m.currentRound-1]
	if r.State == RoundPending {
		r.State = RoundInProgress
		r.StartedAt = m.deps.Now()
	}
}

// AdvanceRound seals the current round and opens the next one, or completes
// the session if the sealed round converged. It fails with
// ErrRoundLimitReached once the current round is the last one allowed.
func (m *Machine) AdvanceRound(ctx context.Context) (Round, error) {
	return m.advance(ctx, "advance", false)
}

// Conclude seals the current round and completes the session whatever its
// score.
func (m *Machine) Conclude(ctx context.Context) (Round, error) {
	return m.advance(ctx, "conclude", true)
}

type evaluation struct {
	drafts    []drafts.Draft
	result    convergence.Result
	conflicts []conflict.Conflict
}

func (m *Machine) advance(ctx context.Context, op string, final bool) (Round, error) {
	var (
		b       batch
		gen     uint64
		roundNo int
		topics  []convergence.Topic
		release func()
	)
	m.mu.Lock()
	switch {
	case !m.state.Active():
		err := m.fail(op, forgeerrors.ErrInvalidTransition)
		m.mu.Unlock()
		return Round{}, err
	case m.advancing:
		err := m.fail(op, forgeerrors.ErrInvalidTransition).WithDetail("round %d is already being sealed", m.currentRound)
		m.mu.Unlock()
		return Round{}, err
	case !final && m.currentRound >= m.cfg.MaxRounds:
		err := m.fail(op, forgeerrors.ErrRoundLimitReached)
		m.mu.Unlock()
		return Round{}, err
	}
	m.advancing = true
	gen = m.gen
	roundNo = m.currentRound
	topics = m.cfg.clone().Topics
	opened := m.rounds[roundNo-1]
	m.openRoundLocked()
	release = m.pause.Enter(engineExchange)
	if m.state == StateRunning {
		m.setState(StateDeliberating, &b)
	}
	m.persistLocked()
	m.mu.Unlock()
	m.publish(b)

	ev, evalErr := m.evaluate(ctx, roundNo, topics)

	var sealed Round
	err := m.commit(func(b *batch) error {
		m.advancing = false
		release()
		if m.gen != gen {
			return m.fail(op, forgeerrors.ErrInvalidTransition).
				WithDetail("the session left round %d while it was being sealed", roundNo)
		}
		if evalErr != nil {
			// Undo the opening so the round and the stored snapshot look as
			// they did before the call.
			r := &m.rounds[roundNo-1]
			r.State, r.StartedAt = opened.State, opened.StartedAt
			m.settleLocked(b)
			m.persistLocked()
			return m.fail(op, evalErr)
		}
		sealed = m.sealLocked(roundNo, ev, final, b)
		return nil
	})
	return sealed, err
}

// evaluate fetches a round's drafts and runs both engines. It runs without
// the session lock.
func (m *Machine) evaluate(ctx context.Context, round int, topics []convergence.Topic) (evaluation, error) {
	ds, err := m.deps.Fetcher.FetchDrafts(ctx, m.id, round)
	if err != nil {
		return evaluation{}, fmt.Errorf("fetching drafts for round %d: %w", round, err)
	}
	res, err := m.deps.Scorer.EvaluateTopics(ctx, ds, topics)
	if err != nil {
		return evaluation{}, fmt.Errorf("scoring round %d: %w", round, err)
	}
	cs, err := m.deps.Detector.Detect(ctx, ds)
	if err != nil {
		return evaluation{}, fmt.Errorf("detecting conflicts in round %d: %w", round, err)
	}
	return evaluation{drafts: ds, result: res, conflicts: cs}, nil
}

// sealLocked records the evaluation on round n and moves the session on.
// Callers hold m.mu.
func (m *Machine) sealLocked(n int, ev evaluation, final bool, b *batch) Round {
	now := m.deps.Now()
	r := &m.rounds[n-1]
	r.EndedAt = now
	r.Drafts = ev.drafts
	r.Score = ev.result.Overall
	r.Topics = ev.result.Topics
	r.Dissents = ev.result.Dissents

	merged := m.conflicts.Merge(n, ev.conflicts)
	r.ConflictIDs = make([]string, 0, len(merged))
	for _, mc := range merged {
		r.ConflictIDs = append(r.ConflictIDs, mc.Conflict.ID)
	}

	history := append(scoreHistory(m.rounds[:n-1]), r.Score)
	trend := convergence.ComputeTrend(history, m.cfg.ConvergenceThreshold)
	r.Velocity = trend.Velocity
	r.Estimate = trend.Estimate

	converged := r.Score >= m.cfg.ConvergenceThreshold
	r.State = RoundCompleted
	if converged {
		r.State = RoundConverged
	}
	log := m.logger.WithRound(n)
	log.Info("round sealed",
		"state", string(r.State),
		"score", r.Score,
		"velocity", trend.Velocity,
		"estimate", trend.Estimate.Rounds,
		"conflicts", len(merged),
		"dissents", len(r.Dissents),
	)
	b.add(event.NewRoundSealedEvent(m.id, n, string(r.State), r.Score, len(merged), len(r.Dissents), r.Duration()))
	for _, mc := range merged {
		c := mc.Conflict
		b.add(event.NewConflictDetectedEvent(m.id, c.ID, string(c.Type), string(c.Severity), n, !mc.New))
	}
	m.requestForCriticalLocked(n, merged, b)

	sealed := r.clone()
	if converged || final {
		m.endedAt = now
		m.clock.Stop()
		m.setState(StateCompleted, b)
		return sealed
	}
	m.currentRound = n + 1
	m.rounds = append(m.rounds, Round{Number: n + 1, State: RoundPending})
	m.settleLocked(b)
	return sealed
}

// requestForCriticalLocked files a critical intervention request for every
// critical conflict that is new or has come back. Callers hold m.mu.
func (m *Machine) requestForCriticalLocked(round int, merged []conflict.Merged, b *batch) {
	if !m.cfg.AllowHumanIntervention {
		return
	}
	for _, mc := range merged {
		c := mc.Conflict
		if c.Severity != conflict.SeverityCritical || (!mc.New && !mc.Reopened) {
			continue
		}
		suggested := intervention.TypeGuidance
		if c.Type == conflict.TypeFactual {
			suggested = intervention.TypeClarification
		}
		req, err := m.queue.Enqueue(intervention.Details{
			Priority:      intervention.PriorityCritical,
			SuggestedType: suggested,
			Reason:        fmt.Sprintf("critical %s conflict between %s", c.Type, strings.Join(c.Participants, " and ")),
			Round:         round,
			ConflictID:    c.ID,
		})
		if err != nil {
			m.logger.Error("failed to request intervention", "conflict_id", c.ID, "error", err)
			continue
		}
		b.add(event.NewInterventionRequestedEvent(m.id, req.ID, string(req.Priority)))
	}
}
