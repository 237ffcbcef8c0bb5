package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	salesCompleted  *prometheus.CounterVec
	salesAmount     prometheus.Counter
	stockRejections *prometheus.CounterVec
	stockMutations  *prometheus.CounterVec
	cashClosures    *prometheus.CounterVec
	fiscalInvoices  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		salesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_completed_total",
			Help:      "Completed sales by payment method",
		}, []string{"payment_method"}),
		salesAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_amount_cents_total",
			Help:      "Sum of completed sale totals in cents",
		}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Operations rejected by the inventory ledger",
		}, []string{"operation", "reason"}),
		stockMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_mutations_total",
			Help:      "Committed ledger mutations by movement type",
		}, []string{"type"}),
		cashClosures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cash_closures_total",
			Help:      "Cash closures by action",
		}, []string{"action"}),
		fiscalInvoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fiscal_invoices_total",
			Help:      "Fiscal invoice results by status",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.salesCompleted,
		m.salesAmount,
		m.stockRejections,
		m.stockMutations,
		m.cashClosures,
		m.fiscalInvoices,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SaleCompleted(paymentMethod string, totalCents int64) {
	if m == nil {
		return
	}
	m.salesCompleted.WithLabelValues(paymentMethod).Inc()
	m.salesAmount.Add(float64(totalCents))
}

func (m *Metrics) StockRejected(operation string, reason string) {
	if m == nil {
		return
	}
	m.stockRejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) StockMutated(movementType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stockMutations.WithLabelValues(movementType).Add(float64(n))
}

func (m *Metrics) CashClosure(action string) {
	if m == nil {
		return
	}
	m.cashClosures.WithLabelValues(action).Inc()
}

func (m *Metrics) FiscalInvoice(status string) {
	if m == nil {
		return
	}
	m.fiscalInvoices.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveHTTP(method string, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, code).Inc()
	m.httpDuration.WithLabelValues(method, path, code).Observe(elapsed.Seconds())
}
