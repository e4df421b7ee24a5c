package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("gateway.deduct", "ok").Inc()
	m.DebitAmount.Observe(5)
	m.IdempotencyHits.WithLabelValues("claimed").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 3 {
		t.Fatalf("expected 3 registered collectors, got %d", len(families))
	}
}

func TestNewMetricsPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic registering the same collectors twice against one registry")
		}
	}()
	NewMetrics(reg)
}
