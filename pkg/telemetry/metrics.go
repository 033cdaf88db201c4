package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the runtime's Prometheus instrumentation, registered
// against a private registry so multiple Metrics instances (e.g. in tests)
// never collide on the global default registry. The runtime is itself the
// metrics source, so client_golang is used for exposition rather than
// querying.
type Metrics struct {
	Registry *prometheus.Registry

	InvocationsTotal      *prometheus.CounterVec
	BudgetRejectionsTotal *prometheus.CounterVec
	SandboxDuration       *prometheus.HistogramVec
}

// NewMetrics builds and registers the runtime's metric collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mineflare_invocations_total",
			Help: "Count of program invocations by terminal status.",
		}, []string{"program", "status"}),
		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mineflare_budget_rejections_total",
			Help: "Count of operations rejected by the budget guard.",
		}, []string{"capability", "reason"}),
		SandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mineflare_sandbox_duration_seconds",
			Help:    "Wall-clock duration of sandboxed program execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"program"}),
	}

	reg.MustRegister(m.InvocationsTotal, m.BudgetRejectionsTotal, m.SandboxDuration)
	return m
}

// ObserveInvocation records a terminal invocation outcome.
func (m *Metrics) ObserveInvocation(program, status string) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(program, status).Inc()
}

// ObserveBudgetRejection records a capability/budget admission rejection.
func (m *Metrics) ObserveBudgetRejection(capability, reason string) {
	if m == nil {
		return
	}
	m.BudgetRejectionsTotal.WithLabelValues(capability, reason).Inc()
}

// ObserveSandboxDuration records how long a sandboxed execution ran.
func (m *Metrics) ObserveSandboxDuration(program string, seconds float64) {
	if m == nil {
		return
	}
	m.SandboxDuration.WithLabelValues(program).Observe(seconds)
}
