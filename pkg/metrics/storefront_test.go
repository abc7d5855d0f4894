package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStorefrontMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStorefront(reg)

	m.CheckoutOutcome("ok")
	m.CheckoutOutcome("ok")
	m.CheckoutOutcome("INSUFFICIENT_STOCK")
	m.ObserveGatewayCall("create_checkout_session", "ok", 120*time.Millisecond)
	m.ReconciliationEvent("payment_succeeded", "applied")
	m.SocketOpened("chat")
	m.SocketOpened("chat")
	m.SocketClosed("chat")
	m.BusDropped(2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "sppix_checkout_outcomes_total", "outcome", "ok"); err != nil || got != 2 {
		t.Fatalf("expected 2 ok checkouts, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "sppix_reconciliation_events_total", "kind", "payment_succeeded"); err != nil || got != 1 {
		t.Fatalf("expected 1 reconciliation event, got %f (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "sppix_gateway_call_duration_seconds", "operation", "create_checkout_session"); err != nil || got <= 0 {
		t.Fatalf("expected gateway latency sample, got %f (%v)", got, err)
	}

	mf := findMetricFamily(mfs, "sppix_active_sockets")
	if mf == nil || len(mf.GetMetric()) != 1 || mf.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Fatalf("expected one open chat socket")
	}
	dropped := findMetricFamily(mfs, "sppix_bus_dropped_events_total")
	if dropped == nil || dropped.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("expected 2 dropped events")
	}
}

func TestStorefrontNilIsNoop(t *testing.T) {
	var m *Storefront
	m.CheckoutOutcome("ok")
	m.SocketOpened("chat")
	m.BusDropped(1)
	NewStorefront(nil).ObserveGatewayCall("x", "y", time.Second)
}
