package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BadgedMetrics bundles collectors for claim reconciliation instrumentation.
type BadgedMetrics struct {
	outcomes          *prometheus.CounterVec
	mintDuration      prometheus.Histogram
	ledgerUnavailable prometheus.Counter
	staleLegacyFlags  prometheus.Counter
}

var (
	badgedOnce     sync.Once
	badgedRegistry *BadgedMetrics
)

// Badged returns the lazily-initialised metrics registry for the coordinator.
func Badged() *BadgedMetrics {
	badgedOnce.Do(func() {
		badgedRegistry = &BadgedMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "badged",
				Subsystem: "reconcile",
				Name:      "outcomes_total",
				Help:      "Reconciliation results segmented by terminal outcome.",
			}, []string{"outcome"}),
			mintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "badged",
				Subsystem: "mint",
				Name:      "duration_seconds",
				Help:      "Wall time from relay submission to confirmation or window expiry.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			ledgerUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "badged",
				Subsystem: "ledger",
				Name:      "unavailable_total",
				Help:      "Ground-truth reads lost to RPC or network failures.",
			}),
			staleLegacyFlags: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "badged",
				Subsystem: "ledger",
				Name:      "stale_legacy_flags_total",
				Help:      "Observations of claimed()=true with no owned token backing it.",
			}),
		}
		prometheus.MustRegister(
			badgedRegistry.outcomes,
			badgedRegistry.mintDuration,
			badgedRegistry.ledgerUnavailable,
			badgedRegistry.staleLegacyFlags,
		)
	})
	return badgedRegistry
}

// RecordOutcome counts a terminal reconciliation outcome.
func (m *BadgedMetrics) RecordOutcome(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// ObserveMintDuration records the submission-to-confirmation wall time.
func (m *BadgedMetrics) ObserveMintDuration(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.mintDuration.Observe(d.Seconds())
}

// RecordLedgerUnavailable counts a failed ground-truth read.
func (m *BadgedMetrics) RecordLedgerUnavailable() {
	if m == nil {
		return
	}
	m.ledgerUnavailable.Inc()
}

// RecordStaleLegacyFlag counts a legacy claimed() positive contradicted by
// token enumeration.
func (m *BadgedMetrics) RecordStaleLegacyFlag() {
	if m == nil {
		return
	}
	m.staleLegacyFlags.Inc()
}
