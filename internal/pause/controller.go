package pause

import "time"

// Controller bundles the safe-point gate and pause history of one session.
// It does not own session state; the state machine decides when to pause
// and calls Begin and End around its own transition.
type Controller struct {
	gate    *Gate
	history *History
	opts    Options
}

// NewController creates a controller with nothing in flight.
func NewController(opts Options, now func() time.Time) *Controller {
	return &Controller{gate: NewGate(), history: NewHistory(now), opts: opts.withDefaults()}
}

// Options returns the effective wait bounds.
func (c *Controller) Options() Options { return c.opts }

// Enter marks an exchange with participant in flight.
func (c *Controller) Enter(participant string) (release func()) {
	return c.gate.Enter(participant)
}

// SafePoint reports whether no exchange is in flight.
func (c *Controller) SafePoint() bool { return c.gate.SafePoint() }

// Changed is closed when the gate next drains. With SafePoint it makes the
// controller a Probe.
func (c *Controller) Changed() <-chan struct{} { return c.gate.Changed() }

// InFlight lists participants mid-exchange.
func (c *Controller) InFlight() []string { return c.gate.InFlight() }

// Begin opens a pause entry.
func (c *Controller) Begin(reason string) (Entry, error) { return c.history.Open(reason) }

// End closes the open pause entry.
func (c *Controller) End() (Entry, error) { return c.history.Close() }

// History exposes the pause history.
func (c *Controller) History() *History { return c.history }
