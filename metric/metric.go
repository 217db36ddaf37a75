// Package metric holds the prometheus collectors of the volume pool.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ntypool"

// Lookup results.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Metrics groups every collector the pool and its tiers update.
type Metrics struct {
	TierLookups  *prometheus.CounterVec
	TierPuts     *prometheus.CounterVec
	TierRejects  *prometheus.CounterVec
	Loads        *prometheus.CounterVec
	Volumes      prometheus.Gauge
	ExtractBytes prometheus.Counter
}

// New creates the collectors and registers them with registry. A nil
// registry leaves them unregistered, which is what tests and embedded
// pools without an exporter use.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		TierLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_lookups_total",
			Help:      "Cache tier lookups by tier and result",
		}, []string{"tier", "result"}),
		TierPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_puts_total",
			Help:      "Descriptors inserted into a cache tier",
		}, []string{"tier"}),
		TierRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_rejects_total",
			Help:      "Descriptors refused by a cache tier because they failed validation",
		}, []string{"tier"}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Uncached loads performed through the reader and decoder",
		}, []string{"volume"}),
		Volumes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volumes",
			Help:      "Currently attached volumes",
		}),
		ExtractBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_bytes_total",
			Help:      "Decoded bytes written to output streams",
		}),
	}

	if registry == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.TierLookups, m.TierPuts, m.TierRejects, m.Loads, m.Volumes, m.ExtractBytes} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	m, _ := New(nil)
	return m
}
