// Package metrics defines all custom Prometheus metrics for the
// orchestrator. It is the single source of truth for metric names, labels
// and help strings. Counter and histogram vars register on import;
// RegisterPoolGauges wires the scrape-time pool gauges once the stores
// exist.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/poolmux/poolmux/internal/core/ports"
)

const namespace = "poolmux"

// ── Dispatch metrics ──────────────────────────────────────────────────────────

// TasksTotal counts finished execution attempts.
// Labels:
//   - outcome: the classified outcome kind (e.g. "success", "rate_limited")
var TasksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Total number of executed task attempts, by outcome.",
	},
	[]string{"outcome"},
)

// TaskDuration measures how long one upstream attempt takes.
// Label:
//   - outcome: the classified outcome kind
var TaskDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Duration of upstream task attempts.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

// PoolExhaustedTotal counts requests rejected before any attempt because
// no (account, proxy) pair was admissible.
var PoolExhaustedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Total number of requests rejected with pool exhausted.",
	},
)

// ── Pool gauges ───────────────────────────────────────────────────────────────

// poolStatuses is the closed account status set exported as gauges.
var poolStatuses = []string{"pending", "active", "cooldown", "refresh_required", "disabled"}

// RegisterPoolGauges registers scrape-time gauges over the live stores.
// Call once at startup, after the stores are built.
func RegisterPoolGauges(
	countByStatus func() map[string]int,
	inFlight func() int,
	proxiesUp func() int,
	proxiesDown func() int,
) {
	for _, status := range poolStatuses {
		status := status
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "accounts",
			Help:        "Number of accounts in each lifecycle status.",
			ConstLabels: prometheus.Labels{"status": status},
		}, func() float64 {
			return float64(countByStatus()[status])
		})
	}
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_executions",
		Help:      "Number of executions currently holding an admission slot.",
	}, func() float64 { return float64(inFlight()) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxies_up",
		Help:      "Number of proxies currently in rotation.",
	}, func() float64 { return float64(proxiesUp()) })
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxies_down",
		Help:      "Number of proxies currently out of rotation.",
	}, func() float64 { return float64(proxiesDown()) })
}

// RegisterSinkCounter exposes the outcome sink's drop count.
func RegisterSinkCounter(dropped func() uint64) {
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcome_events_dropped_total",
		Help:      "Total outcome events dropped by a full sink buffer.",
	}, func() float64 { return float64(dropped()) })
}

// ── Outcome sink ──────────────────────────────────────────────────────────────

// OutcomeSink records dispatch outcomes into the metrics above. It is an
// EventSink so the dispatcher stays observability-agnostic.
type OutcomeSink struct{}

func (OutcomeSink) Emit(event ports.OutcomeEvent) {
	outcome := string(event.Kind)
	TasksTotal.WithLabelValues(outcome).Inc()
	TaskDuration.WithLabelValues(outcome).Observe(event.Duration.Seconds())
}
