// Package metrics exposes Prometheus collectors for the login pipeline.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	decisions          *prometheus.CounterVec
	riskScore          prometheus.Histogram
	pipelineDuration   prometheus.Histogram
	rateLimitDenials   *prometheus.CounterVec
	degradedSignals    *prometheus.CounterVec
	ruleMatches        *prometheus.CounterVec
	events             *prometheus.CounterVec
	accountLocks       prometheus.Counter
	txRetries          prometheus.Counter
	notifyFailures     *prometheus.CounterVec
	notifyDropped      prometheus.Counter
	challengesResolved *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_decisions_total",
			Help: "Login decisions by action and severity.",
		}, []string{"action", "severity"}),
		riskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loginguard_risk_score",
			Help:    "Distribution of computed risk scores.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.85, 1},
		}),
		pipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loginguard_evaluation_duration_seconds",
			Help:    "Time spent evaluating one login attempt.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		rateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_rate_limit_denials_total",
			Help: "Attempts denied by a rate limit window.",
		}, []string{"limit_type"}),
		degradedSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_degraded_signals_total",
			Help: "Signals that fell back to neutral after a lookup failure.",
		}, []string{"signal"}),
		ruleMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_rule_matches_total",
			Help: "Security rules that decided an attempt.",
		}, []string{"rule"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_security_events_total",
			Help: "Security events recorded.",
		}, []string{"event_type", "severity"}),
		accountLocks: f.NewCounter(prometheus.CounterOpts{
			Name: "loginguard_account_locks_total",
			Help: "Accounts locked.",
		}),
		txRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "loginguard_transaction_retries_total",
			Help: "Evaluation transactions retried after a serialization conflict.",
		}),
		notifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_notification_failures_total",
			Help: "Notification deliveries that failed.",
		}, []string{"sink"}),
		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "loginguard_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full.",
		}),
		challengesResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_mfa_challenges_total",
			Help: "MFA challenges by outcome.",
		}, []string{"outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_http_requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loginguard_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) ObserveDecision(action, severity string, score float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, severity).Inc()
	m.riskScore.Observe(score)
	m.pipelineDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimitDenied(limitType string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(limitType).Inc()
}

func (m *Metrics) SignalDegraded(signal string) {
	if m == nil {
		return
	}
	m.degradedSignals.WithLabelValues(signal).Inc()
}

func (m *Metrics) RuleMatched(rule string) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(rule).Inc()
}

func (m *Metrics) EventRecorded(eventType, severity string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) AccountLocked() {
	if m == nil {
		return
	}
	m.accountLocks.Inc()
}

func (m *Metrics) TransactionRetried() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}

func (m *Metrics) NotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

func (m *Metrics) ChallengeResolved(outcome string) {
	if m == nil {
		return
	}
	m.challengesResolved.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request. route is the matched pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
