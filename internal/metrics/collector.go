// Package metrics exposes Prometheus collectors for the event stream client,
// the event gateway and graph validation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for EventsDropped.
const (
	DropDuplicate = "duplicate"
	DropMalformed = "malformed"
)

// Reconnect reasons.
const (
	ReconnectStale = "stale"
	ReconnectError = "error"
)

// Collector holds every metric the service records. A nil *Collector is a
// valid no-op, so components can take one optionally.
type Collector struct {
	// Stream client
	eventsDispatched *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	sequenceGaps     prometheus.Counter
	reconnects       *prometheus.CounterVec

	// Gateway
	eventsPublished *prometheus.CounterVec
	eventsReplayed  prometheus.Counter
	fullSyncs       prometheus.Counter
	subscribers     *prometheus.GaugeVec
	slowSubscribers prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec

	// Validation
	validations        *prometheus.CounterVec
	validationDuration prometheus.Histogram
}

// NewCollector registers all collectors on reg under namespace.
// Pass prometheus.NewRegistry() in tests to keep registrations isolated.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{}

	c.eventsDispatched = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dispatched_total",
			Help:      "Events delivered to stream handlers",
		},
		[]string{"type"},
	)
	c.eventsDropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Inbound events discarded before dispatch",
		},
		[]string{"reason"},
	)
	c.sequenceGaps = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "sequence_gaps_total",
		Help:      "Ordered events that skipped at least one sequence number",
	})
	c.reconnects = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Stream reconnect attempts",
		},
		[]string{"reason"},
	)

	c.eventsPublished = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_published_total",
			Help:      "Events appended to the event log and fanned out",
		},
		[]string{"type"},
	)
	c.eventsReplayed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_replayed_total",
		Help:      "Events re-sent from the log to resuming subscribers",
	})
	c.fullSyncs = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "full_syncs_total",
		Help:      "Snapshots sent because a resume cursor fell outside the retained log",
	})
	c.subscribers = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "subscribers",
			Help:      "Currently connected stream subscribers",
		},
		[]string{"transport"},
	)
	c.slowSubscribers = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "slow_subscribers_total",
		Help:      "Subscribers disconnected because their buffer overflowed",
	})
	c.httpRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	c.httpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.validations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "runs_total",
			Help:      "Graph validations by outcome",
		},
		[]string{"outcome"},
	)
	c.validationDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "validation",
		Name:      "duration_seconds",
		Help:      "Graph validation latency",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	return c
}

// RecordDispatched counts an event delivered to a handler.
func (c *Collector) RecordDispatched(eventType string) {
	if c == nil {
		return
	}
	c.eventsDispatched.WithLabelValues(eventType).Inc()
}

// RecordDropped counts a discarded inbound event.
func (c *Collector) RecordDropped(reason string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(reason).Inc()
}

// RecordGap counts a sequence gap.
func (c *Collector) RecordGap() {
	if c == nil {
		return
	}
	c.sequenceGaps.Inc()
}

// RecordReconnect counts a reconnect attempt.
func (c *Collector) RecordReconnect(reason string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(reason).Inc()
}

// RecordPublished counts an event accepted by the gateway.
func (c *Collector) RecordPublished(eventType string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordReplayed counts events re-sent to one resuming subscriber.
func (c *Collector) RecordReplayed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.eventsReplayed.Add(float64(n))
}

// RecordFullSync counts a snapshot sent in place of replay.
func (c *Collector) RecordFullSync() {
	if c == nil {
		return
	}
	c.fullSyncs.Inc()
}

// SubscriberConnected increments the live subscriber gauge and returns the
// matching decrement.
func (c *Collector) SubscriberConnected(transport string) func() {
	if c == nil {
		return func() {}
	}
	g := c.subscribers.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

// RecordSlowSubscriber counts a subscriber evicted for falling behind.
func (c *Collector) RecordSlowSubscriber() {
	if c == nil {
		return
	}
	c.slowSubscribers.Inc()
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordValidation records one validation run.
func (c *Collector) RecordValidation(valid bool, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	c.validations.WithLabelValues(outcome).Inc()
	c.validationDuration.Observe(duration.Seconds())
}
