// Package metrics exposes prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	transactionsApplied  *prometheus.CounterVec
	transactionsRejected prometheus.Counter
	paymentsProcessed    prometheus.Counter
	paymentAmount        prometheus.Counter
	loansCompleted       prometheus.Counter
	loansDefaulted       prometheus.Counter
	overdueRequests      prometheus.Gauge
	overdueInstallments  prometheus.Gauge
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		transactionsApplied: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "balance_transactions_applied_total",
			Help: "Balance transactions applied to the ledger, by type",
		}, []string{"type"}),
		transactionsRejected: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "balance_transactions_rejected_total",
			Help: "Balance transactions rejected by an approver",
		}),
		paymentsProcessed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "payments_processed_total",
			Help: "Payments recorded against payment requests",
		}),
		paymentAmount: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "payments_amount_total",
			Help: "Sum of payment amounts processed",
		}),
		loansCompleted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "loans_completed_total",
			Help: "Loans fully repaid",
		}),
		loansDefaulted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "loans_defaulted_total",
			Help: "Loans marked defaulted by the overdue sweep",
		}),
		overdueRequests: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "payment_requests_overdue",
			Help: "Payment requests past due with money remaining",
		}),
		overdueInstallments: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "loan_installments_overdue",
			Help: "Loan installments past due and not fully paid",
		}),
	}
}

func (c *Collector) TransactionApplied(txType string)    { c.transactionsApplied.WithLabelValues(txType).Inc() }
func (c *Collector) TransactionRejected()                { c.transactionsRejected.Inc() }
func (c *Collector) LoanCompleted()                      { c.loansCompleted.Inc() }
func (c *Collector) LoanDefaulted()                      { c.loansDefaulted.Inc() }
func (c *Collector) SetOverdueRequests(n int)            { c.overdueRequests.Set(float64(n)) }
func (c *Collector) SetOverdueInstallments(n int)        { c.overdueInstallments.Set(float64(n)) }

func (c *Collector) PaymentProcessed(amount float64) {
	c.paymentsProcessed.Inc()
	c.paymentAmount.Add(amount)
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
