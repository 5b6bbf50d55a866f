package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized set of Prometheus collectors for the federation
// control plane: registry size, routing latency and outcomes, health-check
// latency and transitions, and backpressure pressure.
//
// Usage:
//
//	m := observability.NewMetrics()
//	defer m.SelectionDuration.WithLabelValues("least-loaded").Observe(time.Since(start).Seconds())
type Metrics struct {
	// Registry is the dedicated Prometheus registry every collector below is
	// registered against. Each federation gets its own Metrics and its own
	// Registry, so building a second federation in the same process never
	// collides with the first's collector names. Serve it with
	// promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).
	Registry *prometheus.Registry

	// InstancesTotal tracks the number of registered instances.
	// Labels: health_status, region
	InstancesTotal *prometheus.GaugeVec

	// SelectionDuration measures how long Router.SelectInstance takes.
	// Labels: strategy
	SelectionDuration *prometheus.HistogramVec

	// SelectionErrors counts failed selections.
	// Labels: strategy, reason (no_candidates|backpressure|strategy_error)
	SelectionErrors *prometheus.CounterVec

	// SelectionsTotal counts successful selections.
	// Labels: strategy
	SelectionsTotal *prometheus.CounterVec

	// HealthCheckDuration measures a single instance probe's latency.
	HealthCheckDuration *prometheus.HistogramVec

	// HealthTransitions counts health-status transitions.
	// Labels: from, to
	HealthTransitions *prometheus.CounterVec

	// BackpressureRejections counts selections rejected for capacity.
	BackpressureRejections *prometheus.CounterVec

	// BackpressureUtilization is the most recently computed federation-wide
	// utilization ratio.
	BackpressureUtilization prometheus.Gauge

	// CyclesCompleted counts completed health-check sweep cycles.
	CyclesCompleted prometheus.Counter

	// RegistryOperations counts registry mutations.
	// Labels: operation (register|unregister|update), status (success|error)
	RegistryOperations *prometheus.CounterVec
}

// NewMetrics builds a fresh Prometheus registry and registers the
// federation's collectors against it. Construction is repeatable: each
// federation gets its own Metrics and Registry rather than sharing
// prometheus.DefaultRegisterer, so a second Registry/Router/Monitor trio in
// the same process never panics on duplicate collector registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		InstancesTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "federation_instances_total",
				Help: "Number of registered sandbox instances by health status and region",
			},
			[]string{"health_status", "region"},
		),

		SelectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "federation_selection_duration_seconds",
				Help:    "Duration of Router.SelectInstance calls in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"strategy"},
		),

		SelectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_selection_errors_total",
				Help: "Total number of failed instance selections by strategy and reason",
			},
			[]string{"strategy", "reason"},
		),

		SelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_selections_total",
				Help: "Total number of successful instance selections by strategy",
			},
			[]string{"strategy"},
		),

		HealthCheckDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "federation_health_check_duration_seconds",
				Help:    "Duration of a single instance health probe in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"instance_id"},
		),

		HealthTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_health_transitions_total",
				Help: "Total number of health-status transitions by from and to state",
			},
			[]string{"from", "to"},
		),

		BackpressureRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_backpressure_rejections_total",
				Help: "Total number of instance selections rejected due to federation-wide backpressure",
			},
			[]string{"strategy"},
		),

		BackpressureUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "federation_backpressure_utilization_ratio",
				Help: "Most recently computed federation-wide capacity utilization ratio",
			},
		),

		CyclesCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "federation_health_cycles_completed_total",
				Help: "Total number of completed health-check sweep cycles",
			},
		),

		RegistryOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_registry_operations_total",
				Help: "Total number of registry mutations by operation and outcome",
			},
			[]string{"operation", "status"},
		),
	}
}
