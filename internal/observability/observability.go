// Package observability wires the gateway's structured logger and metrics
// registry, replacing the teacher's bare log.Printf calls with zap and
// exposing Prometheus counters the way jmehdipour-sms-gateway does.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// NewLogger builds the process-wide zap logger. Production builds use the
// JSON encoder; callers needing development-friendly output can swap this
// for zap.NewDevelopment in tests.
func NewLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// Metrics bundles the counters/histograms the gateway pipeline exports.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	DebitAmount     prometheus.Histogram
	IdempotencyHits *prometheus.CounterVec
}

// NewMetrics registers the gateway's Prometheus collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flow402_requests_total",
			Help: "Total gateway requests by route and outcome.",
		}, []string{"route", "outcome"}),
		DebitAmount: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flow402_debit_amount_credits",
			Help:    "Distribution of debit amounts in credits.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		IdempotencyHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flow402_idempotency_outcomes_total",
			Help: "Idempotency store outcomes by kind.",
		}, []string{"outcome"}),
	}
}
