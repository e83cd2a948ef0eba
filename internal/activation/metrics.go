package activation

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocus-app/activation/internal/models"
)

const metricsNamespace = "ocus_activation"

// Metrics exports pipeline counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	purchases       *prometheus.CounterVec
	keysIssued      prometheus.Counter
	reveals         *prometheus.CounterVec
	trialUses       *prometheus.CounterVec
	refunds         prometheus.Counter
	reconcileFixes  *prometheus.CounterVec
	reconcileErrors prometheus.Counter
}

// NewMetrics registers the pipeline metrics. A nil registerer disables them.
// Collectors already registered by an earlier instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	var (
		m   Metrics
		err error
	)
	if m.purchases, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "purchases_total",
		Help:      "Purchase completions by outcome (completed, resumed, replayed).",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.keysIssued, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "keys_issued_total",
		Help:      "Activation keys attached to accounts.",
	})); err != nil {
		return nil, err
	}
	if m.reveals, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reveals_total",
		Help:      "Reveal attempts by outcome.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.trialUses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "trial_uses_total",
		Help:      "Trial gate decisions.",
	}, []string{"allowed"})); err != nil {
		return nil, err
	}
	if m.refunds, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "refunds_total",
		Help:      "Orders refunded.",
	})); err != nil {
		return nil, err
	}
	if m.reconcileFixes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconcile_fixes_total",
		Help:      "Repairs made by reconciliation, by table.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if m.reconcileErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconcile_errors_total",
		Help:      "Rows reconciliation failed to repair.",
	})); err != nil {
		return nil, err
	}
	return &m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register activation metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(result).Inc()
}

func (m *Metrics) KeyIssued() {
	if m == nil {
		return
	}
	m.keysIssued.Inc()
}

func (m *Metrics) Reveal(result string) {
	if m == nil {
		return
	}
	m.reveals.WithLabelValues(result).Inc()
}

func (m *Metrics) TrialUse(allowed bool) {
	if m == nil {
		return
	}
	m.trialUses.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) Refund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

func (m *Metrics) Reconciled(report *models.ReconcileReport) {
	if m == nil {
		return
	}
	m.reconcileFixes.WithLabelValues("users").Add(float64(report.UsersFixed))
	m.reconcileFixes.WithLabelValues("customers").Add(float64(report.CustomersFixed))
	m.reconcileFixes.WithLabelValues("keys").Add(float64(report.KeysCreated))
	m.reconcileErrors.Add(float64(len(report.Errors)))
}
