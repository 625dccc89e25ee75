// Package metrics exposes Prometheus collectors for order execution, flow
// dispatch and strategy actions.
//
//   - turtle_orders_submitted_total{instrument,direction}
//   - turtle_orders_replaced_total{instrument}
//   - turtle_executions_total{instrument,op,outcome}
//   - turtle_flows_total{instrument}
//   - turtle_flow_duration_seconds{instrument}
//   - turtle_prices_buffered_total{instrument}
//   - turtle_flows_in_flight
//   - turtle_strategy_actions_total{instrument,action}
//   - turtle_position_units{instrument}
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turtle-futures-bot/internal/broker"
)

// Metrics owns a registry so tests and multiple bots do not collide
type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersReplaced  *prometheus.CounterVec
	executions      *prometheus.CounterVec
	flows           *prometheus.CounterVec
	flowDuration    *prometheus.HistogramVec
	pricesBuffered  *prometheus.CounterVec
	inFlight        prometheus.Gauge
	actions         *prometheus.CounterVec
	units           *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "turtle_orders_submitted_total", Help: "Limit orders submitted"},
			[]string{"instrument", "direction"},
		),
		ordersReplaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "turtle_orders_replaced_total", Help: "Orders re-priced after the market moved away"},
			[]string{"instrument"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "turtle_executions_total", Help: "Finished open and close attempts by outcome"},
			[]string{"instrument", "op", "outcome"},
		),
		flows: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "turtle_flows_total", Help: "Strategy flows started"},
			[]string{"instrument"},
		),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turtle_flow_duration_seconds",
				Help:    "Time from flow start to completion",
				Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 7200},
			},
			[]string{"instrument"},
		),
		pricesBuffered: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "turtle_prices_buffered_total", Help: "Ticks deflected into the latest-price slot"},
			[]string{"instrument"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "turtle_flows_in_flight", Help: "Flows currently running"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "turtle_strategy_actions_total", Help: "Strategy context changes by action"},
			[]string{"instrument", "action"},
		),
		units: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "turtle_position_units", Help: "Open position units per instrument"},
			[]string{"instrument"},
		),
	}

	m.registry.MustRegister(
		m.ordersSubmitted, m.ordersReplaced, m.executions,
		m.flows, m.flowDuration, m.pricesBuffered, m.inFlight,
		m.actions, m.units,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Execution observer

func (m *Metrics) OrderSubmitted(instrumentID string, dir broker.Direction) {
	m.ordersSubmitted.WithLabelValues(instrumentID, string(dir)).Inc()
}

func (m *Metrics) OrderReplaced(instrumentID string) {
	m.ordersReplaced.WithLabelValues(instrumentID).Inc()
}

func (m *Metrics) ExecutionFinished(instrumentID, op, outcome string) {
	m.executions.WithLabelValues(instrumentID, op, outcome).Inc()
}

// Dispatcher observer

func (m *Metrics) FlowStarted(instrumentID string) {
	m.flows.WithLabelValues(instrumentID).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) FlowFinished(instrumentID string, elapsed time.Duration) {
	m.flowDuration.WithLabelValues(instrumentID).Observe(elapsed.Seconds())
	m.inFlight.Dec()
}

func (m *Metrics) PriceBuffered(instrumentID string) {
	m.pricesBuffered.WithLabelValues(instrumentID).Inc()
}

// StrategyChanged records a context change and its resulting unit count
func (m *Metrics) StrategyChanged(instrumentID, action string, units int) {
	m.actions.WithLabelValues(instrumentID, action).Inc()
	m.units.WithLabelValues(instrumentID).Set(float64(units))
}

// Forget drops per-instrument series after an unsubscribe
func (m *Metrics) Forget(instrumentID string) {
	m.units.DeleteLabelValues(instrumentID)
}
