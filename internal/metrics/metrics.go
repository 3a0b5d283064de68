// Package metrics defines the worker's Prometheus instrumentation.
//
// All collectors hang off an explicitly constructed Metrics value injected at
// worker init; tests build fresh instances per case so counters never leak
// between tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the worker exports.
type Metrics struct {
	registry *prometheus.Registry

	// Scheduler
	TicksTotal      prometheus.Counter
	LockNotAcquired prometheus.Counter
	TickLagSeconds  prometheus.Gauge
	ChecksScheduled prometheus.Counter
	TickDuration    prometheus.Histogram

	// Probe pipeline
	ProbeOutcomes     *prometheus.CounterVec // label: kind
	ProbeDuration     prometheus.Histogram
	DNSRetryRecovered prometheus.Counter

	// Result sink
	StoreConflicts   prometheus.Counter
	ReplayQueueDepth prometheus.Gauge
	OutcomesReplayed prometheus.Counter

	// Alerts
	AlertsDelivered  *prometheus.CounterVec // labels: channel
	AlertsSuppressed *prometheus.CounterVec // labels: channel, reason
	AlertsFailed     *prometheus.CounterVec // labels: channel
}

// New creates a Metrics value with its own registry, pre-populated with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total scheduler ticks executed.",
		}),
		LockNotAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_lock_not_acquired_total",
			Help: "Ticks skipped because the region lock was held elsewhere.",
		}),
		TickLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_tick_lag_seconds",
			Help: "How far the last tick overran the configured tick interval.",
		}),
		ChecksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_checks_scheduled_total",
			Help: "Checks dispatched into the probe pipeline.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Wall time of one full scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probe_outcomes_total",
			Help: "Probe outcomes by classified kind.",
		}, []string{"kind"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "probe_duration_seconds",
			Help:    "Total probe execution time including DNS and enrichment.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		DNSRetryRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dns_retry_recovered_total",
			Help: "Resolutions that succeeded after at least one failed upstream attempt.",
		}),

		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_conflicts_total",
			Help: "Conditional check-state writes lost to a concurrent writer.",
		}),
		ReplayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_replay_queue_depth",
			Help: "Probe outcomes parked in the local replay queue.",
		}),
		OutcomesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_outcomes_replayed_total",
			Help: "Probe outcomes successfully drained from the replay queue.",
		}),

		AlertsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_delivered_total",
			Help: "Alerts delivered, by channel.",
		}, []string{"channel"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Alerts suppressed before delivery, by channel and reason.",
		}, []string{"channel", "reason"}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_failed_total",
			Help: "Alerts that exhausted delivery retries, by channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.TicksTotal, m.LockNotAcquired, m.TickLagSeconds, m.ChecksScheduled, m.TickDuration,
		m.ProbeOutcomes, m.ProbeDuration, m.DNSRetryRecovered,
		m.StoreConflicts, m.ReplayQueueDepth, m.OutcomesReplayed,
		m.AlertsDelivered, m.AlertsSuppressed, m.AlertsFailed,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
