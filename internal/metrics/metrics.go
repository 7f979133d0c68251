package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custom_domain_transitions_total",
			Help: "Domain state transitions by field and target state",
		},
		[]string{"field", "to"},
	)

	DNSChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custom_domain_dns_checks_total",
			Help: "DNS challenge checks by method and result",
		},
		[]string{"method", "result"},
	)

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custom_domain_provider_calls_total",
			Help: "Certificate provider calls by provider, operation and outcome (ok, transient, fatal)",
		},
		[]string{"provider", "operation", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custom_domain_provider_call_duration_seconds",
			Help:    "Certificate provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custom_domain_reconcile_step_duration_seconds",
			Help:    "Duration of each reconciliation step",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"step"},
	)

	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custom_domain_reconcile_tasks_total",
			Help: "Per-domain reconcile tasks by step and outcome (done, leased, skipped, error)",
		},
		[]string{"step", "outcome"},
	)

	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custom_domain_reconcile_ticks_total",
		Help: "Reconciliation ticks started",
	})

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custom_domain_events_dropped_total",
			Help: "Transition events that could not be delivered, by sink",
		},
		[]string{"sink"},
	)
)
