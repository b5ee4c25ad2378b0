package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the subscription core's Prometheus instrumentation.
type Metrics struct {
	Transitions          *prometheus.CounterVec
	DailyCharges         *prometheus.CounterVec
	AutopayRenewals      *prometheus.CounterVec
	SyncAttempts         *prometheus.CounterVec
	InvariantCorrections *prometheus.CounterVec
	ScanDuration         *prometheus.HistogramVec
	Registry             *prometheus.Registry
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Name:      "status_transitions_total",
				Help:      "Subscription status transitions by target status and operation",
			},
			[]string{"to", "op"},
		),
		DailyCharges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "billing",
				Name:      "daily_charges_total",
				Help:      "Daily charge attempts by outcome",
			},
			[]string{"outcome"},
		),
		AutopayRenewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "autopay",
				Name:      "renewals_total",
				Help:      "Autopay renewal attempts by outcome",
			},
			[]string{"outcome"},
		),
		SyncAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "sync",
				Name:      "attempts_total",
				Help:      "Provisioning sync attempts by outcome",
			},
			[]string{"outcome"},
		),
		InvariantCorrections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "ledger",
				Name:      "invariant_corrections_total",
				Help:      "Cached ledger values corrected by recomputation",
			},
			[]string{"field"},
		),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "subscriptions",
				Name:      "scan_duration_seconds",
				Help:      "Duration of periodic scans",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		Registry: prometheus.NewRegistry(),
	}

	m.Registry.MustRegister(
		m.Transitions,
		m.DailyCharges,
		m.AutopayRenewals,
		m.SyncAttempts,
		m.InvariantCorrections,
		m.ScanDuration,
	)
	return m
}
