// Package metrics turns session events into Prometheus series.
//
// A Collector registers its series on an injected Registerer and subscribes
// to an event.Bus; it never touches the global default registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/forge/internal/event"
)

const namespace = "forge"

// Collector holds the forge series.
type Collector struct {
	transitions       *prometheus.CounterVec
	sessions          *prometheus.GaugeVec
	roundsSealed      *prometheus.CounterVec
	roundDuration     prometheus.Histogram
	convergenceScore  prometheus.Histogram
	conflictsDetected *prometheus.CounterVec
	conflictsResolved prometheus.Counter
	requests          *prometheus.CounterVec
	interventions     *prometheus.CounterVec
	pauses            prometheus.Counter
	pauseDuration     prometheus.Histogram
	timeouts          prometheus.Counter

	mu     sync.Mutex
	states map[string]string // session ID -> last known state

	bus  *event.Bus
	subs []string
}

// NewCollector creates the series and registers them on reg. A nil reg
// gets a private registry, reachable through the returned Gatherer.
func NewCollector(reg prometheus.Registerer) (*Collector, prometheus.Gatherer, error) {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Committed session state transitions.",
		}, []string{"from", "to"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions by current state.",
		}, []string{"state"}),
		roundsSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_sealed_total",
			Help:      "Rounds sealed, by final round state.",
		}, []string{"state"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time from a round's first exchange to its seal.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		convergenceScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_convergence_score",
			Help:      "Convergence score of sealed rounds.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Conflicts seen in sealed rounds.",
		}, []string{"type", "severity", "recurring"}),
		conflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved by an operator.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intervention_requests_total",
			Help:      "Intervention requests enqueued, by priority.",
		}, []string{"priority"}),
		interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_submitted_total",
			Help:      "Interventions submitted, by whether they were held for resume.",
		}, []string{"held"}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_total",
			Help:      "Pauses that reached a safe point.",
		}),
		pauseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pause_duration_seconds",
			Help:      "Time sessions spent paused.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_timeouts_total",
			Help:      "Sessions that hit their deadline.",
		}),
		states: make(map[string]string),
	}

	for _, col := range []prometheus.Collector{
		c.transitions, c.sessions, c.roundsSealed, c.roundDuration, c.convergenceScore,
		c.conflictsDetected, c.conflictsResolved, c.requests, c.interventions,
		c.pauses, c.pauseDuration, c.timeouts,
	} {
		if err := reg.Register(col); err != nil {
			return nil, nil, err
		}
	}
	return c, gatherer, nil
}

// Attach subscribes the collector to bus. Calling it again moves the
// subscription to the new bus.
func (c *Collector) Attach(bus *event.Bus) {
	c.Detach()
	c.bus = bus
	c.subs = append(c.subs, bus.SubscribeAll(c.Observe))
}

// Detach removes the collector's subscriptions.
func (c *Collector) Detach() {
	if c.bus == nil {
		return
	}
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
	c.bus = nil
}

// Observe records one event. Unknown event types are ignored.
func (c *Collector) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.StateChangedEvent:
		c.transitions.WithLabelValues(ev.From, ev.To).Inc()
		c.track(ev.SessionID, ev.To)
	case event.RoundSealedEvent:
		c.roundsSealed.WithLabelValues(ev.State).Inc()
		c.convergenceScore.Observe(ev.Score)
		if ev.Duration > 0 {
			c.roundDuration.Observe(ev.Duration.Seconds())
		}
	case event.ConflictDetectedEvent:
		c.conflictsDetected.WithLabelValues(ev.Type, ev.Severity, strconv.FormatBool(ev.Recurring)).Inc()
	case event.ConflictResolvedEvent:
		c.conflictsResolved.Inc()
	case event.InterventionRequestedEvent:
		c.requests.WithLabelValues(ev.Priority).Inc()
	case event.InterventionSubmittedEvent:
		c.interventions.WithLabelValues(strconv.FormatBool(ev.Held)).Inc()
	case event.PauseStartedEvent:
		c.pauses.Inc()
	case event.PauseEndedEvent:
		c.pauseDuration.Observe(ev.Duration.Seconds())
	case event.SessionTimeoutEvent:
		c.timeouts.Inc()
	case event.SessionRemovedEvent:
		c.forget(ev.SessionID)
	}
}

// track moves a session between state gauges.
func (c *Collector) track(sessionID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[sessionID]; ok {
		c.sessions.WithLabelValues(prev).Dec()
	}
	c.states[sessionID] = state
	c.sessions.WithLabelValues(state).Inc()
}

// forget drops a removed session from the state gauges.
func (c *Collector) forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[sessionID]; ok {
		c.sessions.WithLabelValues(prev).Dec()
		delete(c.states, sessionID)
	}
}

// Handler serves g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
