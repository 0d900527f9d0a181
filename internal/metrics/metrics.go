// Package metrics wraps Prometheus collectors for the console: stream
// ingestion, connection lifecycle, actions, overrides and feed clients.
//
// All Record methods are safe on a nil *Collector, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides console metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Stream metrics
	framesTotal    *prometheus.CounterVec
	staleEntries   prometheus.Counter
	lastFrameEpoch prometheus.Gauge

	// Connection metrics
	connectionState prometheus.Gauge
	connectAttempts *prometheus.CounterVec

	// Action metrics
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec

	// Override metrics
	overridesActive *prometheus.GaugeVec
	overridePhase   *prometheus.CounterVec

	// Feed metrics
	feedClients prometheus.Gauge
	feedDropped prometheus.Counter
}

// NewCollector creates a collector registered on a private registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sfc"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Telemetry frames received, by result (accepted, rejected)",
		},
		[]string{"result"},
	)

	c.staleEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "stale_entries_total",
			Help:      "Unit and group entries ignored because they were older than the stored record",
		},
	)

	c.lastFrameEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "last_frame_observed_seconds",
			Help:      "observedAt of the most recently accepted frame, as a Unix timestamp",
		},
	)

	c.connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Stream connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	c.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connect_attempts_total",
			Help:      "Stream connection attempts, by result (success, error)",
		},
		[]string{"result"},
	)

	c.actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "total",
			Help:      "Remedial actions, by target kind and result",
		},
		[]string{"kind", "result"},
	)

	c.actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Remote action call latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"kind"},
	)

	c.overridesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "override",
			Name:      "active",
			Help:      "Overrides currently installed, by target kind",
		},
		[]string{"kind"},
	)

	c.overridePhase = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "override",
			Name:      "transitions_total",
			Help:      "Override lifecycle transitions (installed, suppressing, expired, removed)",
		},
		[]string{"kind", "transition"},
	)

	c.feedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected view feed clients",
		},
	)

	c.feedDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_events_total",
			Help:      "Events not delivered to a slow feed client",
		},
	)

	c.registry.MustRegister(
		c.framesTotal,
		c.staleEntries,
		c.lastFrameEpoch,
		c.connectionState,
		c.connectAttempts,
		c.actionsTotal,
		c.actionDuration,
		c.overridesActive,
		c.overridePhase,
		c.feedClients,
		c.feedDropped,
	)

	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordFrame records an accepted or rejected frame.
func (c *Collector) RecordFrame(accepted bool, observedAt time.Time) {
	if c == nil {
		return
	}
	if !accepted {
		c.framesTotal.WithLabelValues("rejected").Inc()
		return
	}
	c.framesTotal.WithLabelValues("accepted").Inc()
	c.lastFrameEpoch.Set(float64(observedAt.UnixNano()) / 1e9)
}

// RecordStaleEntries records entries ignored by the not-older rule.
func (c *Collector) RecordStaleEntries(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.staleEntries.Add(float64(n))
}

// RecordConnectionState records the numeric connection state.
func (c *Collector) RecordConnectionState(state int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

// RecordConnectAttempt records the result of a dial.
func (c *Collector) RecordConnectAttempt(err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.connectAttempts.WithLabelValues(result).Inc()
}

// RecordAction records a completed action and its remote latency.
func (c *Collector) RecordAction(kind, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.actionsTotal.WithLabelValues(kind, result).Inc()
	if duration > 0 {
		c.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordOverrides records how many overrides of kind are installed.
func (c *Collector) RecordOverrides(kind string, active int) {
	if c == nil {
		return
	}
	c.overridesActive.WithLabelValues(kind).Set(float64(active))
}

// RecordOverrideTransition records an override lifecycle transition.
func (c *Collector) RecordOverrideTransition(kind, transition string) {
	if c == nil {
		return
	}
	c.overridePhase.WithLabelValues(kind, transition).Inc()
}

// RecordFeedClients records the number of connected feed clients.
func (c *Collector) RecordFeedClients(n int) {
	if c == nil {
		return
	}
	c.feedClients.Set(float64(n))
}

// RecordFeedDropped records an event dropped for a slow client.
func (c *Collector) RecordFeedDropped() {
	if c == nil {
		return
	}
	c.feedDropped.Inc()
}
