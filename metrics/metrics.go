// Package metrics exposes Prometheus counters for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the bridge reports to.
type Recorder interface {
	RecordIntent(name string)
	RecordEvent(name string)
	RecordProviderError(op string)
	RecordSubscription(delta int)
}

type Collector struct {
	intents        *prometheus.CounterVec
	events         *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	subscriptions  prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firebridge_intents_total",
			Help: "Intents received from the front-end.",
		}, []string{"name"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firebridge_events_total",
			Help: "Events sent to the front-end.",
		}, []string{"name"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firebridge_provider_errors_total",
			Help: "Failed Firebase calls by operation.",
		}, []string{"op"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firebridge_message_subscriptions",
			Help: "Live message snapshot listeners.",
		}),
	}

	reg.MustRegister(
		c.intents,
		c.events,
		c.providerErrors,
		c.subscriptions,
	)

	return c
}

func (c *Collector) RecordIntent(name string) {
	c.intents.WithLabelValues(name).Inc()
}

func (c *Collector) RecordEvent(name string) {
	c.events.WithLabelValues(name).Inc()
}

func (c *Collector) RecordProviderError(op string) {
	c.providerErrors.WithLabelValues(op).Inc()
}

func (c *Collector) RecordSubscription(delta int) {
	c.subscriptions.Add(float64(delta))
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordIntent(string)        {}
func (Nop) RecordEvent(string)         {}
func (Nop) RecordProviderError(string) {}
func (Nop) RecordSubscription(int)     {}
