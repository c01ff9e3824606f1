// Package metrics exposes the Prometheus instruments for the billing
// engine: payment outcomes, webhook processing, and scheduler jobs.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the application-level instruments.
type Metrics struct {
	paymentEvents    *prometheus.CounterVec
	webhookReceived  *prometheus.CounterVec
	webhookSigFailed prometheus.Counter
	webhookDedupHits prometheus.Counter
	amountMatchUses  prometheus.Counter
	chargeQueueDepth prometheus.Gauge
	jobRuns          *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		paymentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_payment_events_total",
			Help: "Payment outcomes recorded, by source and result.",
		}, []string{"source", "result"}),
		webhookReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_webhook_events_total",
			Help: "Inbound webhook notifications, by disposition.",
		}, []string{"disposition"}),
		webhookSigFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebill_webhook_signature_failures_total",
			Help: "Webhook notifications rejected by signature verification.",
		}),
		webhookDedupHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebill_webhook_dedup_hits_total",
			Help: "Webhook notifications suppressed as duplicates.",
		}),
		amountMatchUses: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebill_amount_match_fallback_total",
			Help: "Invoices resolved via the amount+window fallback.",
		}),
		chargeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rebill_charge_queue_depth",
			Help: "Outbound charge tasks waiting in the worker pool.",
		}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_scheduler_job_runs_total",
			Help: "Scheduler job executions.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_scheduler_job_errors_total",
			Help: "Scheduler job failures, by job and reason.",
		}, []string{"job", "reason"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rebill_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_http_requests_total",
			Help: "HTTP requests, by route, method and status class.",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rebill_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func (m *Metrics) RecordPaymentEvent(source, result string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(normalize(source), normalize(result)).Inc()
}

func (m *Metrics) RecordWebhook(disposition string) {
	if m == nil {
		return
	}
	m.webhookReceived.WithLabelValues(normalize(disposition)).Inc()
}

func (m *Metrics) IncSignatureFailure() {
	if m == nil {
		return
	}
	m.webhookSigFailed.Inc()
}

func (m *Metrics) IncDedupHit() {
	if m == nil {
		return
	}
	m.webhookDedupHits.Inc()
}

func (m *Metrics) IncAmountMatchFallback() {
	if m == nil {
		return
	}
	m.amountMatchUses.Inc()
}

func (m *Metrics) SetChargeQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.chargeQueueDepth.Set(float64(depth))
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(normalize(job)).Inc()
}

func (m *Metrics) IncJobError(job, reason string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(normalize(job), normalize(reason)).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(normalize(job)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHTTPRequest(route, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	route = normalize(route)
	method = normalize(method)
	m.httpRequests.WithLabelValues(route, method, normalize(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func normalize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
