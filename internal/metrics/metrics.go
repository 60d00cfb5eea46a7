// Package metrics exposes Prometheus collectors for the game service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "magicnumber"

// Collector owns a registry and every metric the service records.
type Collector struct {
	registry *prometheus.Registry

	guesses             *prometheus.CounterVec
	randomnessRequests  *prometheus.CounterVec
	staleDeliveries     prometheus.Counter
	oracleTimeouts      prometheus.Counter
	roundsClosed        *prometheus.CounterVec
	roundDuration       *prometheus.HistogramVec
	potSettled          *prometheus.CounterVec
	rewardsIssued       *prometheus.CounterVec
	roundPlayers        prometheus.Gauge
	roundPot            prometheus.Gauge
	httpInFlight        prometheus.Gauge
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates a collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		guesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "guesses_total",
			Help:      "Guess submissions by result.",
		}, []string{"result"}),
		randomnessRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Randomness requests by outcome.",
		}, []string{"success"}),
		staleDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "stale_deliveries_total",
			Help:      "Randomness deliveries ignored because they did not match the awaiting round.",
		}),
		oracleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "timeouts_total",
			Help:      "Rounds that waited for randomness past the configured timeout.",
		}),
		roundsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "rounds_closed_total",
			Help:      "Closed rounds by outcome.",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "round_duration_seconds",
			Help:      "Time from a round opening to its close.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}, []string{"outcome"}),
		potSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "pot_closed_total",
			Help:      "Sum of closed pots in minor units.",
		}, []string{"outcome"}),
		rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "issued_total",
			Help:      "MNG minted in minor units.",
		}, []string{"kind"}),
		roundPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "round_players",
			Help:      "Players in the current round.",
		}),
		roundPot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "game",
			Name:      "round_pot",
			Help:      "Escrowed pot of the current round in minor units.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
	}

	c.registry.MustRegister(
		c.guesses,
		c.randomnessRequests,
		c.staleDeliveries,
		c.oracleTimeouts,
		c.roundsClosed,
		c.roundDuration,
		c.potSettled,
		c.rewardsIssued,
		c.roundPlayers,
		c.roundPot,
		c.httpInFlight,
		c.httpRequests,
		c.httpRequestDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordGuess(result string) {
	c.guesses.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRandomnessRequest(err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	c.randomnessRequests.WithLabelValues(success).Inc()
}

func (c *Collector) RecordStaleDelivery() {
	c.staleDeliveries.Inc()
}

func (c *Collector) RecordOracleTimeout() {
	c.oracleTimeouts.Inc()
}

func (c *Collector) RecordRoundClosed(outcome string, pot int64, elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	c.roundsClosed.WithLabelValues(outcome).Inc()
	c.roundDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if pot > 0 {
		c.potSettled.WithLabelValues(outcome).Add(float64(pot))
	}
}

func (c *Collector) RecordReward(kind string, amount int64) {
	if amount <= 0 {
		return
	}
	c.rewardsIssued.WithLabelValues(kind).Add(float64(amount))
}

func (c *Collector) SetRoundState(players int, pot int64) {
	c.roundPlayers.Set(float64(players))
	c.roundPot.Set(float64(pot))
}

func (c *Collector) IncInFlight() { c.httpInFlight.Inc() }
func (c *Collector) DecInFlight() { c.httpInFlight.Dec() }

// RecordHTTPRequest records one handled request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
