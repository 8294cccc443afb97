package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics exposes engine counters on /metrics. A per-service registry keeps
// repeated Service construction (tests) from colliding.
type metrics struct {
	registry *prometheus.Registry

	recordsIngested    prometheus.Counter
	linesSkipped       prometheus.Counter
	rotationsDetected  prometheus.Counter
	thresholdCrossings *prometheus.CounterVec
	contextThresholds  prometheus.Counter
	ownerFraction      *prometheus.GaugeVec
	activeSessions     prometheus.Gauge
	sessionsFinalized  prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		recordsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccoptimize_records_ingested_total",
			Help: "Parsed log records ingested.",
		}),
		linesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccoptimize_lines_skipped_total",
			Help: "Malformed log lines skipped.",
		}),
		rotationsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccoptimize_log_rotations_total",
			Help: "Log rotations detected.",
		}),
		thresholdCrossings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccoptimize_threshold_crossings_total",
			Help: "Threshold crossings by owner.",
		}, []string{"owner"}),
		contextThresholds: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccoptimize_context_threshold_crossings_total",
			Help: "Context ceiling threshold crossings across sessions.",
		}),
		ownerFraction: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccoptimize_quota_fraction_used",
			Help: "Fraction of capacity consumed per window or cap.",
		}, []string{"owner", "kind"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccoptimize_active_sessions",
			Help: "Sessions currently tracked.",
		}),
		sessionsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "ccoptimize_sessions_finalized_total",
			Help: "Session records finalized and archived.",
		}),
	}
}
