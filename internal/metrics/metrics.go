package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "miniapp"
	subsystem = "gateway"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is a
// valid value that records nothing, so callers can run without a registry.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	AdmissionsRejected *prometheus.CounterVec
	ConnectionsDropped *prometheus.CounterVec
	AuthFailures       prometheus.Counter
	FramesSent         prometheus.Counter
	RelayEvents        *prometheus.CounterVec
	RelayMalformed     prometheus.Counter
	RelayReconnects    prometheus.Counter
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of currently open websocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Total number of admitted websocket connections.",
		}),
		AdmissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admissions_rejected_total",
			Help:      "Connection attempts rejected before admission.",
		}, []string{"reason"}),
		ConnectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_dropped_total",
			Help:      "Open connections closed by the server.",
		}, []string{"reason"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Init data validations that failed.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Frames written to websocket clients.",
		}),
		RelayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_events_total",
			Help:      "Upstream events fanned out, by topic.",
		}, []string{"topic"}),
		RelayMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_malformed_total",
			Help:      "Upstream messages dropped because they could not be decoded.",
		}),
		RelayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_reconnects_total",
			Help:      "Reconnection attempts to the upstream bus.",
		}),
	}

	registerer.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.AdmissionsRejected,
		m.ConnectionsDropped,
		m.AuthFailures,
		m.FramesSent,
		m.RelayEvents,
		m.RelayMalformed,
		m.RelayReconnects,
	)

	return m
}
