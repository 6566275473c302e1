package session

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/convergence"
	"github.com/Iron-Ham/forge/internal/drafts"
	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
	"github.com/Iron-Ham/forge/internal/event"
	"github.com/Iron-Ham/forge/internal/intervention"
	"github.com/Iron-Ham/forge/internal/pause"
)

// scriptedScorer returns scores[round-1] for each evaluated round.
type scriptedScorer struct {
	mu     sync.Mutex
	scores []float64
	calls  int
}

func (s *scriptedScorer) EvaluateTopics(ctx context.Context, ds []drafts.Draft, _ []convergence.Topic) (convergence.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	round := 1
	if len(ds) > 0 {
		round = ds[0].Round
	}
	s.calls++
	if round > len(s.scores) {
		return convergence.Result{}, fmt.Errorf("no score scripted for round %d", round)
	}
	return convergence.Result{Overall: s.scores[round-1]}, nil
}

// scriptedDetector returns byRound[round] for each detected round.
type scriptedDetector struct {
	byRound map[int][]conflict.Conflict
}

func (d *scriptedDetector) Detect(ctx context.Context, ds []drafts.Draft) ([]conflict.Conflict, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	return d.byRound[ds[0].Round], nil
}

func roundFetcher() drafts.Fetcher {
	return drafts.FetcherFunc(func(ctx context.Context, sessionID string, round int) ([]drafts.Draft, error) {
		return []drafts.Draft{
			{ID: fmt.Sprintf("a%d", round), Participant: "alice", Round: round, Text: "alice text"},
			{ID: fmt.Sprintf("b%d", round), Participant: "bob", Round: round, Text: "bob text"},
		}, nil
	})
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{MaxRounds: 5, ConvergenceThreshold: 0.8, AllowHumanIntervention: true}
}

func newTestMachine(t *testing.T, cfg Config, scores []float64, mutate func(*Deps)) *Machine {
	t.Helper()
	deps := Deps{
		Fetcher:  roundFetcher(),
		Scorer:   &scriptedScorer{scores: scores},
		Detector: &scriptedDetector{},
		NewID:    seqIDs(),
		Pause:    pause.Options{PollInterval: 5 * time.Millisecond, MaxWait: time.Second},
	}
	if mutate != nil {
		mutate(&deps)
	}
	m, err := NewMachine("s1", cfg, deps)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func mustAdvance(t *testing.T, m *Machine) Round {
	t.Helper()
	r, err := m.AdvanceRound(context.Background())
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	return r
}

func conflictOf(a, b string, typ conflict.Type, sev conflict.Severity) conflict.Conflict {
	return conflict.Conflict{
		Key:          conflict.MakeKey([]string{a, b}, typ),
		Type:         typ,
		Severity:     sev,
		Participants: []string{a, b},
		Summary:      a + " vs " + b,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConfigured, true},
		{StateIdle, StateRunning, true},
		{StateConfigured, StateRunning, true},
		{StateRunning, StateDeliberating, true},
		{StateDeliberating, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StatePaused, StateDeliberating, false},
		{StateIdle, StatePaused, false},
		{StateConfigured, StateCompleted, false},
		{StateCompleted, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateError, StateStopped, false},
		{State(99), StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}

	for from := StateIdle; from <= StateError; from++ {
		if _, ok := ValidTransitions[from]; !ok {
			t.Errorf("state %s missing from transition table", from)
		}
	}
}

func TestState_Text(t *testing.T) {
	for s := StateIdle; s <= StateError; s++ {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", s, err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("round trip %s = %v, %v", s, got, err)
		}
	}
	var s State
	if err := json.Unmarshal([]byte(`"sleeping"`), &s); err == nil {
		t.Error("unknown state name should be rejected")
	}
	var rs RoundState
	if err := json.Unmarshal([]byte(`"halfway"`), &rs); err == nil {
		t.Error("unknown round state should be rejected")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"valid", testConfig(), ""},
		{"zero rounds", Config{MaxRounds: 0, ConvergenceThreshold: 0.5}, "max_rounds"},
		{"threshold above one", Config{MaxRounds: 3, ConvergenceThreshold: 1.2}, "convergence_threshold"},
		{"negative threshold", Config{MaxRounds: 3, ConvergenceThreshold: -0.1}, "convergence_threshold"},
		{"negative timeout", Config{MaxRounds: 3, ConvergenceThreshold: 0.5, Timeout: -time.Second}, "timeout"},
		{"topic without keywords", Config{MaxRounds: 3, ConvergenceThreshold: 0.5, Topics: []convergence.Topic{{Name: "x"}}}, "topics"},
		{"duplicate topics", Config{MaxRounds: 3, ConvergenceThreshold: 0.5, Topics: []convergence.Topic{
			{Name: "x", Keywords: []string{"a"}}, {Name: "x", Keywords: []string{"b"}},
		}}, "topics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			var ve *forgeerrors.ValidationError
			if !forgeerrors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Validate() = %v, want field %s", err, tt.field)
			}
			if !forgeerrors.Is(err, forgeerrors.ErrConfigurationInvalid) {
				t.Error("validation errors should match ErrConfigurationInvalid")
			}
		})
	}
}

func TestConfig_IsZero(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"zero", Config{}, true},
		{"threshold only", Config{ConvergenceThreshold: 1.5}, false},
		{"timeout only", Config{Timeout: time.Minute}, false},
		{"interventions only", Config{AllowHumanIntervention: true}, false},
		{"topics only", Config{Topics: []convergence.Topic{{Name: "x", Keywords: []string{"a"}}}}, false},
		{"full", testConfig(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.IsZero(); got != tt.want {
				t.Errorf("IsZero() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMachine_ConvergesAtThreshold(t *testing.T) {
	m := newTestMachine(t, testConfig(), []float64{0.5, 0.65, 0.82}, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if snap := m.Snapshot(); snap.Rounds[0].State != RoundPending || snap.State != StateRunning {
		t.Fatalf("after Start: state=%s round1=%s", snap.State, snap.Rounds[0].State)
	}

	r1 := mustAdvance(t, m)
	if r1.State != RoundCompleted || r1.Score != 0.5 {
		t.Errorf("round 1 = %+v", r1)
	}
	r2 := mustAdvance(t, m)
	if r2.Estimate != (convergence.Estimate{Rounds: 1, Known: true}) {
		t.Errorf("estimate after round 2 = %+v, want 1 round", r2.Estimate)
	}
	r3 := mustAdvance(t, m)
	if r3.State != RoundConverged {
		t.Errorf("round 3 state = %s, want converged", r3.State)
	}

	snap := m.Snapshot()
	if snap.State != StateCompleted || snap.CurrentRound != 3 || len(snap.Rounds) != 3 {
		t.Errorf("final state=%s round=%d rounds=%d", snap.State, snap.CurrentRound, len(snap.Rounds))
	}
	if snap.EndedAt.IsZero() {
		t.Error("EndedAt should be set on completion")
	}
	if _, err := m.AdvanceRound(context.Background()); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("advance after completion err = %v", err)
	}
}

func TestMachine_RoundLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRounds = 2
	m := newTestMachine(t, cfg, []float64{0.1, 0.2}, nil)
	m.Start()
	mustAdvance(t, m)
	if m.CurrentRound() != 2 {
		t.Fatalf("CurrentRound = %d", m.CurrentRound())
	}

	before := m.Snapshot()
	_, err := m.AdvanceRound(context.Background())
	if !forgeerrors.Is(err, forgeerrors.ErrRoundLimitReached) {
		t.Fatalf("err = %v, want ErrRoundLimitReached", err)
	}
	if got := forgeerrors.UserMessage(err); got != "cannot advance: the session has reached its maximum round" {
		t.Errorf("UserMessage = %q", got)
	}
	if after := m.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Error("rejected advance changed the session")
	}

	r, err := m.Conclude(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Number != 2 || r.State != RoundCompleted {
		t.Errorf("concluded round = %+v", r)
	}
	if m.State() != StateCompleted || m.CurrentRound() > cfg.MaxRounds {
		t.Errorf("state=%s round=%d", m.State(), m.CurrentRound())
	}
}

func TestMachine_InvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, nil)

	if err := m.Resume(); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("Resume from idle err = %v", err)
	}
	if _, err := m.AdvanceRound(context.Background()); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("AdvanceRound from idle err = %v", err)
	}
	if err := m.Pause(context.Background(), ""); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("Pause from idle err = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %s", m.State())
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	err := m.Start()
	if !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Fatalf("second Start err = %v", err)
	}
	if got := forgeerrors.UserMessage(err); got != "cannot start: session is already running" {
		t.Errorf("UserMessage = %q", got)
	}
	if err := m.Configure(testConfig()); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("Configure after Start err = %v", err)
	}
}

func TestMachine_Configure(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, nil)
	bad := testConfig()
	bad.ConvergenceThreshold = 2
	if err := m.Configure(bad); !forgeerrors.Is(err, forgeerrors.ErrConfigurationInvalid) {
		t.Fatalf("Configure(bad) err = %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("failed Configure moved state to %s", m.State())
	}
	good := testConfig()
	good.MaxRounds = 3
	if err := m.Configure(good); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateConfigured || m.Config().MaxRounds != 3 {
		t.Errorf("state=%s cfg=%+v", m.State(), m.Config())
	}
	if err := m.Configure(good); err != nil {
		t.Errorf("reconfigure: %v", err)
	}
}

func TestMachine_PauseResume(t *testing.T) {
	var events []string
	bus := event.NewBus(nil)
	bus.SubscribeAll(func(e event.Event) { events = append(events, e.EventType()) })

	m := newTestMachine(t, testConfig(), []float64{0.1, 0.2}, func(d *Deps) { d.Bus = bus })
	m.Start()
	if err := m.Pause(context.Background(), "coffee"); err != nil {
		t.Fatal(err)
	}
	if m.State() != StatePaused {
		t.Fatalf("state = %s", m.State())
	}
	if snap := m.Snapshot(); snap.PausedAt.IsZero() {
		t.Error("PausedAt not recorded")
	}

	err := m.Pause(context.Background(), "again")
	if got := forgeerrors.UserMessage(err); got != "cannot pause: session is already paused" {
		t.Errorf("UserMessage = %q", got)
	}
	if _, err := m.AdvanceRound(context.Background()); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("advance while paused err = %v", err)
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRunning {
		t.Errorf("state after resume = %s", m.State())
	}
	hist := m.PauseHistory()
	if len(hist) != 1 || hist[0].Reason != "coffee" || hist[0].Open() {
		t.Errorf("history = %+v", hist)
	}

	want := []string{event.TypeStateChanged, event.TypeStateChanged, event.TypePauseStarted, event.TypeStateChanged, event.TypePauseEnded}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestMachine_PauseWaitsForSafePoint(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, nil)
	m.Start()
	x, err := m.BeginExchange("alice")
	if err != nil {
		t.Fatal(err)
	}
	if m.State() != StateDeliberating {
		t.Fatalf("state = %s, want deliberating", m.State())
	}
	if snap := m.Snapshot(); snap.Rounds[0].State != RoundInProgress {
		t.Errorf("round 1 = %s, want in_progress", snap.Rounds[0].State)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		x.Done()
	}()
	if err := m.Pause(context.Background(), ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if m.State() != StatePaused {
		t.Errorf("state = %s", m.State())
	}
	if _, err := m.BeginExchange("bob"); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("exchange while paused err = %v", err)
	}
}

func TestMachine_PauseTimeoutLeavesSessionRunning(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, func(d *Deps) {
		d.Pause = pause.Options{PollInterval: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond}
	})
	m.Start()
	x, _ := m.BeginExchange("alice")
	before := m.Snapshot()

	err := m.Pause(context.Background(), "")
	if !forgeerrors.Is(err, forgeerrors.ErrPauseTimeout) {
		t.Fatalf("err = %v, want ErrPauseTimeout", err)
	}
	if !forgeerrors.IsRetryable(err) {
		t.Error("pause timeout should be retryable")
	}
	if after := m.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Error("timed out pause changed the session")
	}

	x.Done()
	x.Done()
	if m.State() != StateRunning {
		t.Errorf("state after exchange = %s, want running", m.State())
	}
	if err := m.Pause(context.Background(), ""); err != nil {
		t.Errorf("Pause at safe point: %v", err)
	}
}

func TestMachine_PauseCanceled(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, nil)
	m.Start()
	x, _ := m.BeginExchange("alice")
	defer x.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := m.Pause(ctx, ""); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if m.State() != StateDeliberating {
		t.Errorf("state = %s, want deliberating", m.State())
	}
	if len(m.PauseHistory()) != 0 {
		t.Error("cancelled pause must not be recorded")
	}
}

func TestMachine_Stop(t *testing.T) {
	m := newTestMachine(t, testConfig(), []float64{0.1}, nil)
	m.Start()
	mustAdvance(t, m)
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if snap.State != StateStopped {
		t.Errorf("state = %s", snap.State)
	}
	if r := snap.Rounds[1]; r.State != RoundFailed || r.FailureReason == "" {
		t.Errorf("open round = %+v, want failed", r)
	}
	if snap.Rounds[0].State != RoundCompleted {
		t.Error("sealed rounds must not change on stop")
	}
	if err := m.Stop(); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("second Stop err = %v", err)
	}
}

func TestMachine_StopWhilePaused(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, nil)
	m.Start()
	m.Pause(context.Background(), "")
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	hist := m.PauseHistory()
	if len(hist) != 1 || hist[0].Open() {
		t.Errorf("stop should close the open pause, history = %+v", hist)
	}
}

func TestMachine_StopDuringAdvance(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	m := newTestMachine(t, testConfig(), []float64{0.9}, func(d *Deps) {
		d.Fetcher = drafts.FetcherFunc(func(ctx context.Context, sessionID string, round int) ([]drafts.Draft, error) {
			close(started)
			<-unblock
			return roundFetcher().FetchDrafts(ctx, sessionID, round)
		})
	})
	m.Start()

	errc := make(chan error, 1)
	go func() {
		_, err := m.AdvanceRound(context.Background())
		errc <- err
	}()
	<-started
	if m.State() != StateDeliberating {
		t.Errorf("state during fetch = %s, want deliberating", m.State())
	}
	if _, err := m.AdvanceRound(context.Background()); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("concurrent advance err = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop during advance: %v", err)
	}
	close(unblock)

	if err := <-errc; !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("advance err = %v, want ErrInvalidTransition", err)
	}
	snap := m.Snapshot()
	if snap.State != StateStopped || snap.Rounds[0].State != RoundFailed {
		t.Errorf("state=%s round1=%s", snap.State, snap.Rounds[0].State)
	}
}

func TestMachine_AdvanceFetchErrorReturnsToRunning(t *testing.T) {
	boom := fmt.Errorf("draft store offline")
	m := newTestMachine(t, testConfig(), nil, func(d *Deps) {
		d.Fetcher = drafts.FetcherFunc(func(context.Context, string, int) ([]drafts.Draft, error) { return nil, boom })
	})
	m.Start()
	_, err := m.AdvanceRound(context.Background())
	if !forgeerrors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped fetch error", err)
	}
	if m.State() != StateRunning || m.CurrentRound() != 1 {
		t.Errorf("state=%s round=%d", m.State(), m.CurrentRound())
	}
	if err := m.Pause(context.Background(), ""); err != nil {
		t.Errorf("failed advance should release the safe point: %v", err)
	}
}

func TestMachine_FailedAdvanceLeavesRoundsUnchanged(t *testing.T) {
	boom := fmt.Errorf("draft store offline")
	tests := []struct {
		name     string
		mutate   func(*Deps)
		exchange bool
	}{
		{
			name: "fetch fails",
			mutate: func(d *Deps) {
				d.Fetcher = drafts.FetcherFunc(func(context.Context, string, int) ([]drafts.Draft, error) { return nil, boom })
			},
		},
		{
			name:   "scorer fails",
			mutate: func(d *Deps) { d.Scorer = &scriptedScorer{} },
		},
		{
			name: "fetch fails with an exchange open",
			mutate: func(d *Deps) {
				d.Fetcher = drafts.FetcherFunc(func(context.Context, string, int) ([]drafts.Draft, error) { return nil, boom })
			},
			exchange: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			var stored Snapshot
			m := newTestMachine(t, testConfig(), nil, func(d *Deps) {
				tt.mutate(d)
				d.Now = clock.Now
				d.Persist = func(s Snapshot) error {
					stored = s
					return nil
				}
			})
			if err := m.Start(); err != nil {
				t.Fatal(err)
			}
			if tt.exchange {
				if _, err := m.BeginExchange("alice"); err != nil {
					t.Fatal(err)
				}
			}
			before := m.Snapshot()
			clock.Advance(time.Minute)

			if _, err := m.AdvanceRound(context.Background()); err == nil {
				t.Fatal("AdvanceRound should fail")
			}
			after := m.Snapshot()
			if !reflect.DeepEqual(after.Rounds, before.Rounds) {
				t.Errorf("rounds changed:\nbefore %+v\nafter  %+v", before.Rounds, after.Rounds)
			}
			if after.State != before.State {
				t.Errorf("state = %s, want %s", after.State, before.State)
			}
			if !reflect.DeepEqual(stored.Rounds, before.Rounds) || stored.State != before.State {
				t.Errorf("stored snapshot = %s %+v, want %s %+v", stored.State, stored.Rounds, before.State, before.Rounds)
			}
		})
	}
}

func TestMachine_Rollback(t *testing.T) {
	a := conflictOf("alice", "bob", conflict.TypeFactual, conflict.SeverityMajor)
	b := conflictOf("alice", "bob", conflict.TypeApproach, conflict.SeverityMinor)
	det := &scriptedDetector{byRound: map[int][]conflict.Conflict{
		1: {a},
		2: {a, b},
	}}
	clock := newFakeClock()
	m := newTestMachine(t, testConfig(), []float64{0.2, 0.3, 0.4}, func(d *Deps) {
		d.Detector = det
		d.Now = clock.Now
	})
	m.Start()
	mustAdvance(t, m)
	mustAdvance(t, m)
	if got := len(m.Conflicts(conflict.Filter{})); got != 2 {
		t.Fatalf("conflicts = %d, want 2", got)
	}

	if err := m.RollbackToRound(2); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("rollback while running err = %v", err)
	}
	if err := m.Pause(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := m.RollbackToRound(4); !forgeerrors.Is(err, forgeerrors.ErrInvalidInput) {
		t.Errorf("rollback past current round err = %v", err)
	}

	if err := m.RollbackToRound(2); err != nil {
		t.Fatal(err)
	}
	first := m.Snapshot()
	if first.CurrentRound != 2 || len(first.Rounds) != 2 || first.Rounds[1].State != RoundPending {
		t.Fatalf("after rollback: round=%d rounds=%+v", first.CurrentRound, first.Rounds)
	}
	live := m.Conflicts(conflict.Filter{})
	if len(live) != 1 || live[0].Key != a.Key {
		t.Errorf("conflicts after rollback = %+v, want only the round 1 conflict", live)
	}
	if live[0].Round != 1 || len(live[0].PreviousRounds) != 0 {
		t.Errorf("round 2 appearance should be dropped: %+v", live[0])
	}

	if err := m.RollbackToRound(2); err != nil {
		t.Fatal(err)
	}
	if second := m.Snapshot(); !reflect.DeepEqual(first, second) {
		t.Error("rollback to the same round is not idempotent")
	}

	// The replayed round keeps conflict identities.
	bID := ""
	for _, c := range first.Conflicts {
		if c.Key == b.Key {
			bID = c.ID
		}
	}
	m.Resume()
	mustAdvance(t, m)
	got, err := m.Conflict(bID)
	if err != nil || got.Dormant {
		t.Errorf("conflict %s after replay = %+v, %v", bID, got, err)
	}
}

func TestMachine_Timeout(t *testing.T) {
	var (
		mu       sync.Mutex
		timeouts int
	)
	bus := event.NewBus(nil)
	bus.Subscribe(event.TypeSessionTimeout, func(event.Event) {
		mu.Lock()
		timeouts++
		mu.Unlock()
	})
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	m := newTestMachine(t, cfg, nil, func(d *Deps) { d.Bus = bus })
	m.Start()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("session did not time out, state = %s", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := m.Snapshot()
	if snap.Rounds[0].State != RoundFailed || snap.LastError == "" {
		t.Errorf("round1=%s lastError=%q", snap.Rounds[0].State, snap.LastError)
	}
	mu.Lock()
	defer mu.Unlock()
	if timeouts != 1 {
		t.Errorf("timeout events = %d, want 1", timeouts)
	}
}

func TestMachine_ExtendTimeout(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Timeout = 10 * time.Minute
	m := newTestMachine(t, cfg, nil, func(d *Deps) { d.Now = clock.Now })
	m.Start()
	defer m.Stop()

	start := clock.Now()
	got, err := m.ExtendTimeout(5)
	if err != nil {
		t.Fatal(err)
	}
	if want := start.Add(15 * time.Minute); !got.Equal(want) {
		t.Errorf("deadline = %v, want %v", got, want)
	}
	if _, err := m.ExtendTimeout(0); !forgeerrors.Is(err, forgeerrors.ErrInvalidInput) {
		t.Errorf("ExtendTimeout(0) err = %v", err)
	}

	// Paused time pushes the deadline out on resume.
	clock.Advance(3 * time.Minute)
	m.Pause(context.Background(), "")
	if snap := m.Snapshot(); snap.Remaining != 12*time.Minute || !snap.Deadline.IsZero() {
		t.Errorf("while paused remaining=%v deadline=%v", snap.Remaining, snap.Deadline)
	}
	if _, err := m.ExtendTimeout(1); err != nil {
		t.Errorf("extend while paused: %v", err)
	}
	clock.Advance(30 * time.Minute)
	m.Resume()
	if snap := m.Snapshot(); !snap.Deadline.Equal(clock.Now().Add(13 * time.Minute)) {
		t.Errorf("deadline after resume = %v, want %v", snap.Deadline, clock.Now().Add(13*time.Minute))
	}

	noTimeout := newTestMachine(t, testConfig(), nil, nil)
	noTimeout.Start()
	if _, err := noTimeout.ExtendTimeout(5); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("extend without deadline err = %v", err)
	}
}

func TestMachine_ExtendTimeoutConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = time.Hour
	m := newTestMachine(t, cfg, nil, nil)
	m.Start()
	defer m.Stop()
	initial := m.Snapshot().Deadline

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ExtendTimeout(1)
		}()
	}
	wg.Wait()
	if got := m.Snapshot().Deadline; !got.Equal(initial.Add(20 * time.Minute)) {
		t.Errorf("deadline = %v, want %v", got, initial.Add(20*time.Minute))
	}
}

func TestMachine_Interventions(t *testing.T) {
	m := newTestMachine(t, testConfig(), []float64{0.1, 0.2}, nil)
	m.Start()

	low, err := m.RequestIntervention(intervention.Details{Priority: intervention.PriorityLow, Reason: "style"})
	if err != nil {
		t.Fatal(err)
	}
	high, _ := m.RequestIntervention(intervention.Details{Priority: intervention.PriorityHigh, Reason: "direction"})
	if low.Round != 1 {
		t.Errorf("request round = %d, want current round", low.Round)
	}
	if next, ok := m.NextRequest(); !ok || next.ID != high.ID {
		t.Errorf("NextRequest = %+v", next)
	}
	if _, err := m.EscalateRequest(low.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.DismissRequest("nope"); !forgeerrors.Is(err, forgeerrors.ErrUnknownRequest) {
		t.Errorf("dismiss unknown err = %v", err)
	}

	m.Pause(context.Background(), "")
	iv, err := m.SubmitIntervention(intervention.Intervention{
		Type:      intervention.TypeGuidance,
		Content:   "focus on latency",
		RequestID: high.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if iv.Status != intervention.StatusHeld {
		t.Errorf("status while paused = %s, want held", iv.Status)
	}
	if req, _ := m.Request(high.ID); req.Status != intervention.RequestResolved || req.ResolvedBy != iv.ID {
		t.Errorf("linked request = %+v", req)
	}
	if len(m.Guidance(1)) != 0 {
		t.Error("held guidance must not be visible before resume")
	}

	m.Resume()
	if g := m.Guidance(1); len(g) != 1 || g[0].ID != iv.ID {
		t.Errorf("Guidance after resume = %+v", g)
	}
	if pending := m.ListPending(); len(pending) != 1 || pending[0].ID != low.ID {
		t.Errorf("ListPending = %+v", pending)
	}
}

func TestMachine_InterventionsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AllowHumanIntervention = false
	m := newTestMachine(t, cfg, nil, nil)
	m.Start()
	if _, err := m.RequestIntervention(intervention.Details{}); !forgeerrors.Is(err, forgeerrors.ErrInvalidTransition) {
		t.Errorf("request err = %v", err)
	}
	if _, err := m.SubmitIntervention(intervention.Intervention{Type: intervention.TypeContext, Content: "x"}); err == nil {
		t.Error("submit should be rejected")
	}
}

func TestMachine_CriticalConflictRequestsIntervention(t *testing.T) {
	crit := conflictOf("alice", "bob", conflict.TypeFactual, conflict.SeverityCritical)
	det := &scriptedDetector{byRound: map[int][]conflict.Conflict{1: {crit}, 2: {crit}}}
	m := newTestMachine(t, testConfig(), []float64{0.1, 0.2}, func(d *Deps) { d.Detector = det })
	m.Start()
	r1 := mustAdvance(t, m)
	if len(r1.ConflictIDs) != 1 {
		t.Fatalf("ConflictIDs = %v", r1.ConflictIDs)
	}
	pending := m.ListPending()
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	req := pending[0]
	if req.Priority != intervention.PriorityCritical || req.ConflictID != r1.ConflictIDs[0] || req.SuggestedType != intervention.TypeClarification {
		t.Errorf("request = %+v", req)
	}

	// A recurring conflict does not file a second request.
	mustAdvance(t, m)
	if got := len(m.ListPending()); got != 1 {
		t.Errorf("pending after recurrence = %d, want 1", got)
	}
	c, _ := m.Conflict(r1.ConflictIDs[0])
	if c.Round != 2 || len(c.PreviousRounds) != 1 {
		t.Errorf("recurring conflict = %+v", c)
	}
}

func TestMachine_ResolveConflict(t *testing.T) {
	c := conflictOf("alice", "bob", conflict.TypeOpinion, conflict.SeverityMinor)
	det := &scriptedDetector{byRound: map[int][]conflict.Conflict{1: {c}}}
	m := newTestMachine(t, testConfig(), []float64{0.1}, func(d *Deps) { d.Detector = det })
	m.Start()
	r1 := mustAdvance(t, m)

	if _, err := m.ResolveConflict("missing", "x"); !forgeerrors.Is(err, forgeerrors.ErrUnknownConflict) {
		t.Errorf("resolve unknown err = %v", err)
	}
	got, err := m.ResolveConflict(r1.ConflictIDs[0], "agreed to disagree")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != conflict.StatusResolved || got.ResolvedRound != 1 {
		t.Errorf("resolved = %+v", got)
	}
	if n := len(m.Conflicts(conflict.Filter{Unresolved: true})); n != 0 {
		t.Errorf("unresolved = %d", n)
	}
}

func TestMachine_PersistCalledOnCommit(t *testing.T) {
	var (
		mu    sync.Mutex
		saved []State
	)
	m := newTestMachine(t, testConfig(), []float64{0.1}, func(d *Deps) {
		d.Persist = func(s Snapshot) error {
			mu.Lock()
			defer mu.Unlock()
			saved = append(saved, s.State)
			return nil
		}
	})
	m.Start()
	m.Resume() // rejected: nothing persisted
	mustAdvance(t, m)

	mu.Lock()
	defer mu.Unlock()
	if len(saved) < 3 || saved[0] != StateRunning || saved[len(saved)-1] != StateRunning {
		t.Errorf("persisted states = %v", saved)
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := conflictOf("alice", "bob", conflict.TypeFactual, conflict.SeverityMajor)
	det := &scriptedDetector{byRound: map[int][]conflict.Conflict{1: {c}}}
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Timeout = time.Hour
	cfg.Topics = []convergence.Topic{{Name: "storage", Keywords: []string{"postgres"}}}
	m := newTestMachine(t, cfg, []float64{0.4, 0.9}, func(d *Deps) {
		d.Detector = det
		d.Now = clock.Now
	})
	m.Start()
	mustAdvance(t, m)
	m.RequestIntervention(intervention.Details{Reason: "check"})
	m.Pause(context.Background(), "restart")

	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	m.Stop()

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	restored, err := Restore(snap, Deps{
		Fetcher:  roundFetcher(),
		Scorer:   &scriptedScorer{scores: []float64{0.4, 0.9}},
		Detector: det,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := restored.Snapshot()
	if got.State != StatePaused || got.CurrentRound != 2 || len(got.Rounds) != 2 {
		t.Fatalf("restored state=%s round=%d", got.State, got.CurrentRound)
	}
	if got.Remaining != time.Hour || len(got.Conflicts) != 1 || len(got.Interventions.Requests) != 1 {
		t.Errorf("restored remaining=%v conflicts=%d requests=%d", got.Remaining, len(got.Conflicts), len(got.Interventions.Requests))
	}
	if !reflect.DeepEqual(got.Config, cfg) {
		t.Errorf("config = %+v, want %+v", got.Config, cfg)
	}

	if err := restored.Resume(); err != nil {
		t.Fatal(err)
	}
	r2 := mustAdvance(t, restored)
	if r2.State != RoundConverged || restored.State() != StateCompleted {
		t.Errorf("round 2 = %s, session = %s", r2.State, restored.State())
	}
	if ids := r2.ConflictIDs; len(ids) != 0 {
		t.Errorf("round 2 conflicts = %v", ids)
	}
}

func TestSnapshot_ValidateRejectsInconsistent(t *testing.T) {
	base := Snapshot{Version: SnapshotVersion, ID: "s", Config: testConfig(), State: StateRunning, CurrentRound: 2,
		Rounds: []Round{{Number: 1, State: RoundCompleted}, {Number: 2, State: RoundPending}}}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"version", func(s *Snapshot) { s.Version = 7 }},
		{"no id", func(s *Snapshot) { s.ID = "" }},
		{"round count", func(s *Snapshot) { s.CurrentRound = 3 }},
		{"numbering", func(s *Snapshot) { s.Rounds[0].Number = 5 }},
		{"open earlier round", func(s *Snapshot) { s.Rounds[0].State = RoundInProgress }},
		{"idle with rounds", func(s *Snapshot) { s.State = StateIdle }},
		{"beyond max rounds", func(s *Snapshot) { s.Config.MaxRounds = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			s.Rounds = cloneRounds(base.Rounds)
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestRestore_DeliberatingComesBackRunning(t *testing.T) {
	m := newTestMachine(t, testConfig(), nil, nil)
	m.Start()
	x, _ := m.BeginExchange("alice")
	defer x.Done()
	snap := m.Snapshot()
	if snap.State != StateDeliberating || len(snap.InFlight) != 1 {
		t.Fatalf("snapshot state=%s inflight=%v", snap.State, snap.InFlight)
	}
	restored, err := Restore(snap, Deps{Fetcher: roundFetcher()})
	if err != nil {
		t.Fatal(err)
	}
	if got := restored.Snapshot(); got.State != StateRunning || len(got.InFlight) != 0 {
		t.Errorf("restored state=%s inflight=%v", got.State, got.InFlight)
	}
}

func TestRestore_ExpiredDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = time.Minute
	m := newTestMachine(t, cfg, nil, nil)
	m.Start()
	snap := m.Snapshot()
	m.Stop()
	snap.Deadline = time.Now().Add(-time.Second)

	restored, err := Restore(snap, Deps{Fetcher: roundFetcher()})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for restored.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("expired session state = %s", restored.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
