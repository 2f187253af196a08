// Package metrics exposes engine, limiter and persistence counters to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/infra"
	"crypto_link/internal/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crypto_link"

// Collector implements engine.Metrics and the persist and breaker hooks.
type Collector struct {
	registry *prometheus.Registry

	placed   *prometheus.CounterVec
	rejected *prometheus.CounterVec
	fills    *prometheus.CounterVec
	closed   *prometheus.CounterVec
	active   prometheus.Gauge

	persists       *prometheus.CounterVec
	persistSeconds prometheus.Histogram
	breaker        *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		placed:   counter("orders_placed_total", "Orders acknowledged by the exchange.", "symbol", "transport"),
		rejected: counter("orders_rejected_total", "Placements and cancels refused before or at the exchange.", "symbol", "reason"),
		fills:    counter("executions_total", "Executions applied to orders.", "symbol"),
		closed:   counter("orders_closed_total", "Orders that reached a terminal status.", "symbol", "status"),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_active",
			Help:      "Orders currently tracked as active.",
		}),
		persists: counter("state_persists_total", "State document writes.", "result"),
		persistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_persist_seconds",
			Help:      "State document write latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
	}
	c.registry.MustRegister(
		c.placed, c.rejected, c.fills, c.closed, c.active,
		c.persists, c.persistSeconds, c.breaker,
		collectors.NewGoCollector(),
	)
	return c
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gaugeFunc(name, help, symbol string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"symbol": symbol},
	}, fn)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Placed(symbol, transport string) { c.placed.WithLabelValues(symbol, transport).Inc() }
func (c *Collector) Rejected(symbol, reason string)  { c.rejected.WithLabelValues(symbol, reason).Inc() }
func (c *Collector) Filled(symbol string)            { c.fills.WithLabelValues(symbol).Inc() }
func (c *Collector) Active(n int)                    { c.active.Set(float64(n)) }

func (c *Collector) Closed(symbol string, status domain.Status) {
	c.closed.WithLabelValues(symbol, string(status)).Inc()
}

// Persisted is a state.Options.OnPersist hook.
func (c *Collector) Persisted(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.persists.WithLabelValues(result).Inc()
	c.persistSeconds.Observe(elapsed.Seconds())
}

// BreakerChanged is an infra.CircuitBreakerConfig.OnStateChange hook.
func (c *Collector) BreakerChanged(name string, _, to infra.BreakerState) {
	c.breaker.WithLabelValues(name).Set(float64(to))
}

// WatchLimiter exports per-symbol usage and adaptive factor, read at scrape
// time.
func (c *Collector) WatchLimiter(l *ratelimit.Limiter, symbols []string) {
	for _, sym := range symbols {
		c.registry.MustRegister(
			gaugeFunc("ratelimit_usage", "Decayed rate-limit counter.", sym, func() float64 { return l.Usage(sym) }),
			gaugeFunc("ratelimit_factor", "Adaptive safety factor.", sym, func() float64 { return l.Factor(sym) }),
		)
	}
}
