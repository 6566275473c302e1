package session

import (
	"sync"
	"time"
)

type clockState int

const (
	clockIdle clockState = iota
	clockArmed
	clockFrozen
	clockStopped
)

// deadlineClock is the session timeout watchdog. It has its own lock so the
// deadline can be extended from any goroutine without the session mutex.
// The deadline only ever moves forward.
type deadlineClock struct {
	mu        sync.Mutex
	now       func() time.Time
	onExpire  func(deadline time.Time)
	state     clockState
	deadline  time.Time
	remaining time.Duration // while frozen
	timer     *time.Timer
	gen       int
}

func newDeadlineClock(now func() time.Time, onExpire func(time.Time)) *deadlineClock {
	return &deadlineClock{now: now, onExpire: onExpire}
}

// Arm starts the clock with d remaining. A non-positive d leaves it disabled.
func (c *deadlineClock) Arm(d time.Duration) {
	if d <= 0 {
		return
	}
	c.ArmAt(c.now().Add(d))
}

// ArmAt starts the clock with an absolute deadline.
func (c *deadlineClock) ArmAt(deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == clockStopped {
		return
	}
	c.deadline = deadline
	c.remaining = 0
	c.state = clockArmed
	c.schedule()
}

// ArmFrozen restores a clock that was paused with d remaining.
func (c *deadlineClock) ArmFrozen(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == clockStopped {
		return
	}
	c.stopTimer()
	c.state = clockFrozen
	c.remaining = max(d, 0)
	c.deadline = time.Time{}
}

// schedule (re)starts the timer for the current deadline. Callers hold c.mu.
func (c *deadlineClock) schedule() {
	c.stopTimer()
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(max(c.deadline.Sub(c.now()), 0), func() { c.fire(gen) })
}

func (c *deadlineClock) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *deadlineClock) fire(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != clockArmed {
		c.mu.Unlock()
		return
	}
	if c.now().Before(c.deadline) {
		c.schedule()
		c.mu.Unlock()
		return
	}
	c.state = clockStopped
	c.timer = nil
	deadline := c.deadline
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(deadline)
	}
}

// Freeze stops the countdown, keeping the time left.
func (c *deadlineClock) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != clockArmed {
		return
	}
	c.stopTimer()
	c.remaining = max(c.deadline.Sub(c.now()), 0)
	c.deadline = time.Time{}
	c.state = clockFrozen
}

// Thaw restarts a frozen countdown. Time spent frozen pushes the deadline out.
func (c *deadlineClock) Thaw() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != clockFrozen {
		return
	}
	c.deadline = c.now().Add(c.remaining)
	c.remaining = 0
	c.state = clockArmed
	c.schedule()
}

// Extend moves the deadline out by d. It reports false when no deadline is
// running.
func (c *deadlineClock) Extend(d time.Duration) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case clockArmed:
		c.deadline = c.deadline.Add(d)
		c.schedule()
		return c.deadline, true
	case clockFrozen:
		c.remaining += d
		return c.now().Add(c.remaining), true
	}
	return time.Time{}, false
}

// Stop disarms the clock permanently.
func (c *deadlineClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimer()
	c.gen++
	c.state = clockStopped
}

// Deadline returns the current deadline while the clock is running.
func (c *deadlineClock) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.state == clockArmed
}

// Remaining returns the time left while the clock is frozen.
func (c *deadlineClock) Remaining() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.state == clockFrozen
}
