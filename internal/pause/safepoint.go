// Package pause coordinates graceful suspension of a session: waiting for a
// safe point, recording pause history and firing scheduled pauses.
package pause

import (
	"context"
	"slices"
	"sync"
	"time"

	forgeerrors "github.com/Iron-Ham/forge/internal/errors"
)

// Default wait bounds.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxWait      = 30 * time.Second
)

// Options bound the safe-point wait.
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	return o
}

// Probe reports whether a session is at a safe point. Changed returns a
// channel that is closed the next time the answer may have become true.
type Probe interface {
	SafePoint() bool
	Changed() <-chan struct{}
}

// WaitSafePoint blocks until p reports a safe point. It wakes on p's
// notification channel and also polls every PollInterval. It returns
// ErrPauseTimeout after MaxWait and the context error on cancellation, even
// when the gate drains at the same moment.
func WaitSafePoint(ctx context.Context, p Probe, opts Options) error {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.SafePoint() {
		return nil
	}

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	poll := time.NewTicker(opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if p.SafePoint() {
				return nil
			}
			return forgeerrors.NewTimeoutError("waiting for a safe point", opts.MaxWait, forgeerrors.ErrPauseTimeout)
		case <-p.Changed():
		case <-poll.C:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.SafePoint() {
			return nil
		}
	}
}

// Gate counts participant exchanges in flight. The session is at a safe
// point when none are.
type Gate struct {
	mu       sync.Mutex
	inFlight map[string]int
	count    int
	idle     chan struct{}
}

// NewGate returns a Gate with nothing in flight.
func NewGate() *Gate {
	idle := make(chan struct{})
	close(idle)
	return &Gate{inFlight: make(map[string]int), idle: idle}
}

// Enter marks an exchange with participant in flight. The returned release
// func ends it and may be called more than once.
func (g *Gate) Enter(participant string) (release func()) {
	g.mu.Lock()
	if g.count == 0 {
		g.idle = make(chan struct{})
	}
	g.count++
	g.inFlight[participant]++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { g.leave(participant) })
	}
}

func (g *Gate) leave(participant string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count--
	if g.inFlight[participant]--; g.inFlight[participant] <= 0 {
		delete(g.inFlight, participant)
	}
	if g.count == 0 {
		close(g.idle)
	}
}

// SafePoint reports whether no exchange is in flight.
func (g *Gate) SafePoint() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count == 0
}

// Changed returns a channel closed when the in-flight count next reaches
// zero, or an already closed channel if it is zero now.
func (g *Gate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idle
}

// InFlight lists participants with an exchange in flight.
func (g *Gate) InFlight() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.inFlight))
	for p := range g.inFlight {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
