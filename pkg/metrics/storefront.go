package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sppix"

// Storefront groups the metrics emitted by checkout, reconciliation, the
// gateway adapter and the socket layer. A nil *Storefront is a valid no-op.
type Storefront struct {
	checkoutOutcomes *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	reconciliation   *prometheus.CounterVec
	activeSockets    *prometheus.GaugeVec
	busDropped       prometheus.Counter
}

// NewStorefront registers the storefront metrics on reg.
func NewStorefront(reg prometheus.Registerer) *Storefront {
	if reg == nil {
		return &Storefront{}
	}
	s := &Storefront{
		checkoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_outcomes_total",
			Help:      "Create-and-checkout results by outcome code.",
		}, []string{"outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_events_total",
			Help:      "Gateway events handled by the reconciliation listener.",
		}, []string{"kind", "outcome"}),
		activeSockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sockets",
			Help:      "Open socket sessions by kind.",
		}, []string{"kind"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped from slow bus subscribers.",
		}),
	}
	reg.MustRegister(s.checkoutOutcomes, s.gatewayLatency, s.reconciliation, s.activeSockets, s.busDropped)
	return s
}

func (s *Storefront) CheckoutOutcome(outcome string) {
	if s == nil || s.checkoutOutcomes == nil {
		return
	}
	s.checkoutOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveGatewayCall records one outbound gateway call.
func (s *Storefront) ObserveGatewayCall(operation, outcome string, d time.Duration) {
	if s == nil || s.gatewayLatency == nil {
		return
	}
	s.gatewayLatency.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Observe(d.Seconds())
}

func (s *Storefront) ReconciliationEvent(kind, outcome string) {
	if s == nil || s.reconciliation == nil {
		return
	}
	s.reconciliation.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

func (s *Storefront) SocketOpened(kind string) {
	if s == nil || s.activeSockets == nil {
		return
	}
	s.activeSockets.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (s *Storefront) SocketClosed(kind string) {
	if s == nil || s.activeSockets == nil {
		return
	}
	s.activeSockets.WithLabelValues(normalizeLabel(kind)).Dec()
}

// BusDropped counts events discarded by drop-oldest subscriber queues.
func (s *Storefront) BusDropped(n int) {
	if s == nil || s.busDropped == nil || n <= 0 {
		return
	}
	s.busDropped.Add(float64(n))
}
