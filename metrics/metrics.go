/*
Package metrics holds the Prometheus collectors of the service.

PURPOSE:
  One Metrics value per process, registered against a caller-supplied
  Registerer so tests can use a fresh registry. Every Observe method is
  safe on a nil *Metrics, which lets components treat metrics as optional.

SERIES:
  matchpay_occurrences_total{kind,source,outcome}   created | duplicate | rejected
  matchpay_decisions_total{decision,outcome}        applied | conflict | failed
  matchpay_payout_minor_units_total{currency}       settled money, minor units
  matchpay_rate_limited_total{policy}
  matchpay_outbox_messages_total{result}            published | failed
  matchpay_http_request_duration_seconds{method,route,status}
*/
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "matchpay"

type Metrics struct {
	occurrences  *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	payoutMinor  *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	outbox       *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		occurrences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_total",
			Help:      "Clicks, leads and conversions submitted, by outcome.",
		}, []string{"kind", "source", "outcome"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Conversion validation decisions, by outcome.",
		}, []string{"decision", "outcome"}),
		payoutMinor: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_minor_units_total",
			Help:      "Money credited to partner wallets, in minor units.",
		}, []string{"currency"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate-limit policy.",
		}, []string{"policy"}),
		outbox: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_messages_total",
			Help:      "Outbox messages handed to the broker, by result.",
		}, []string{"result"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) ObserveOccurrence(kind, source, outcome string) {
	if m == nil {
		return
	}
	m.occurrences.WithLabelValues(kind, source, outcome).Inc()
}

func (m *Metrics) ObserveDecision(decision, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) ObservePayout(currency string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.payoutMinor.WithLabelValues(currency).Add(float64(amount))
}

func (m *Metrics) ObserveRateLimited(policy string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(policy).Inc()
}

// ObserveOutbox records one relay batch.
func (m *Metrics) ObserveOutbox(published, failed int) {
	if m == nil {
		return
	}
	if published > 0 {
		m.outbox.WithLabelValues("published").Add(float64(published))
	}
	if failed > 0 {
		m.outbox.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
