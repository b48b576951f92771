package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the service. A nil *Metrics is
// a no-op so tests can skip registration.
type Metrics struct {
	transitions      *prometheus.CounterVec
	reconcileRuns    prometheus.Histogram
	reconcileDrift   prometheus.Counter
	synthesized      prometheus.Counter
	outboxDelivered  prometheus.Counter
	outboxFailed     prometheus.Counter
	reconcileSkipped prometheus.Counter
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aliasdir_key_transitions_total",
			Help: "Key trigger applications by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		reconcileRuns: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aliasdir_reconcile_run_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: prometheus.DefBuckets,
		}),
		reconcileDrift: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aliasdir_reconcile_drift_total",
			Help: "Claims found irreconcilable between local and remote state",
		}),
		synthesized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aliasdir_reconcile_synthesized_triggers_total",
			Help: "Triggers synthesized by the reconciliation scheduler",
		}),
		outboxDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aliasdir_outbox_delivered_total",
			Help: "Outbox events delivered downstream",
		}),
		outboxFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aliasdir_outbox_failed_total",
			Help: "Outbox delivery attempts that failed",
		}),
		reconcileSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aliasdir_reconcile_ticks_skipped_total",
			Help: "Reconciliation ticks skipped because the lease was held elsewhere",
		}),
	}
}

func (m *Metrics) Transition(trigger, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) ReconcileRun(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileRuns.Observe(d.Seconds())
}

func (m *Metrics) ReconcileDrift() {
	if m == nil {
		return
	}
	m.reconcileDrift.Inc()
}

func (m *Metrics) SynthesizedTrigger() {
	if m == nil {
		return
	}
	m.synthesized.Inc()
}

func (m *Metrics) OutboxDelivered() {
	if m == nil {
		return
	}
	m.outboxDelivered.Inc()
}

func (m *Metrics) OutboxFailed() {
	if m == nil {
		return
	}
	m.outboxFailed.Inc()
}

func (m *Metrics) ReconcileSkipped() {
	if m == nil {
		return
	}
	m.reconcileSkipped.Inc()
}
