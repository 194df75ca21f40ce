// Package observability exposes the agent's self-metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the pipeline emits, suppresses, and drops.
type Metrics struct {
	EventsEmitted    *prometheus.CounterVec
	EventsSuppressed *prometheus.CounterVec
	BulkEvents       *prometheus.CounterVec
	SinkErrors       prometheus.Counter
	SinkPushSeconds  prometheus.Histogram
	MonitorRestarts  *prometheus.CounterVec
	MonitorUp        *prometheus.GaugeVec
	InAlert          prometheus.Gauge
}

// NewMetrics builds and registers the agent metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "events_emitted_total",
			Help:      "Records emitted to the sink, by monitor.",
		}, []string{"monitor"}),
		EventsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "events_suppressed_total",
			Help:      "Observations suppressed before emission, by monitor and reason.",
		}, []string{"monitor", "reason"}),
		BulkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "bulk_events_total",
			Help:      "Aggregate bulk-operation records emitted, by monitor.",
		}, []string{"monitor"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "sink_errors_total",
			Help:      "Failed pushes to the log store.",
		}),
		SinkPushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "sink_push_seconds",
			Help:      "Latency of sink pushes.",
			Buckets:   prometheus.DefBuckets,
		}),
		MonitorRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "monitor_restarts_total",
			Help:      "Supervisor restarts, by monitor.",
		}, []string{"monitor"}),
		MonitorUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "monitor_up",
			Help:      "Whether a monitor is currently running (1) or stopped (0).",
		}, []string{"monitor"}),
		InAlert: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "system_in_alert",
			Help:      "Whether the adaptive sampler is in alert mode.",
		}),
	}

	reg.MustRegister(
		m.EventsEmitted,
		m.EventsSuppressed,
		m.BulkEvents,
		m.SinkErrors,
		m.SinkPushSeconds,
		m.MonitorRestarts,
		m.MonitorUp,
		m.InAlert,
	)
	return m
}
