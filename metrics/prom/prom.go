// Package prom exports engine events as Prometheus metrics. It stays at the
// event-bus boundary: the engine core never touches the metrics registry.
//
// usage:
//
//	col := prom.New(prometheus.DefaultRegisterer)
//	cache.Events().SubscribeAll(col.Observe)
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tiercache/tiercache"
)

// Collector counts engine events by kind and provider.
type Collector struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	circuit    *prometheus.CounterVec
	limited    prometheus.Counter
}

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "events_total",
			Help:      "Engine events by kind.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "provider_errors_total",
			Help:      "Provider call failures by provider name.",
		}, []string{"provider"}),
		circuit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions by provider and direction.",
		}, []string{"provider", "to"}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "rate_limited_total",
			Help:      "Calls rejected or timed out by admission control.",
		}),
	}
	reg.MustRegister(c.operations, c.errors, c.circuit, c.limited)
	return c
}

// Observe is a tiercache.Subscriber; wire it via Events().SubscribeAll.
func (c *Collector) Observe(ev tiercache.Event) {
	c.operations.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case tiercache.EventProviderError, tiercache.EventSetError:
		c.errors.WithLabelValues(ev.Provider).Inc()
	case tiercache.EventCircuitOpened:
		c.circuit.WithLabelValues(ev.Provider, "open").Inc()
	case tiercache.EventCircuitClosed:
		c.circuit.WithLabelValues(ev.Provider, "closed").Inc()
	case tiercache.EventRateLimited:
		c.limited.Inc()
	}
}
