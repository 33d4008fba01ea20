// Package metrics exposes Prometheus instrumentation for the protocol
// engine. Registration is optional; a nil *Metrics disables everything.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	// FramesIn counts decoded inbound frames.
	FramesIn prometheus.Counter

	// FramesOut counts transmitted frames.
	FramesOut prometheus.Counter

	// PushEvents counts unsolicited push frames routed to callbacks.
	PushEvents prometheus.Counter

	// Reconnects counts completed reconnection recoveries.
	Reconnects prometheus.Counter

	// PendingRequests tracks in-flight correlated requests.
	PendingRequests prometheus.Gauge

	// PollFailures counts isolated per-operation poll failures.
	PollFailures prometheus.Counter
}

// New creates the engine collectors under a namespace (e.g. "baichuan").
func New(namespace string) *Metrics {
	return &Metrics{
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "Decoded inbound frames.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "Transmitted frames.",
		}),
		PushEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Unsolicited push frames dispatched to callbacks.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Completed reconnection recoveries.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "In-flight correlated requests.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Isolated per-operation poll failures.",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesIn,
		m.FramesOut,
		m.PushEvents,
		m.Reconnects,
		m.PendingRequests,
		m.PollFailures,
	}
}

// The nil-safe increment helpers below let the engine instrument
// unconditionally.

// IncFramesIn increments FramesIn if m is non-nil.
func (m *Metrics) IncFramesIn() {
	if m != nil {
		m.FramesIn.Inc()
	}
}

// IncFramesOut increments FramesOut if m is non-nil.
func (m *Metrics) IncFramesOut() {
	if m != nil {
		m.FramesOut.Inc()
	}
}

// IncPushEvents increments PushEvents if m is non-nil.
func (m *Metrics) IncPushEvents() {
	if m != nil {
		m.PushEvents.Inc()
	}
}

// IncReconnects increments Reconnects if m is non-nil.
func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// SetPendingRequests updates the pending-request gauge if m is non-nil.
func (m *Metrics) SetPendingRequests(n int) {
	if m != nil {
		m.PendingRequests.Set(float64(n))
	}
}

// IncPollFailures increments PollFailures if m is non-nil.
func (m *Metrics) IncPollFailures() {
	if m != nil {
		m.PollFailures.Inc()
	}
}
