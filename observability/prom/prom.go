// Package prom provides an observability.MetricFactory backed by a
// Prometheus registry.
package prom

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/tally/observability"
)

var _ observability.MetricFactory = (*Factory)(nil)

// Factory creates Prometheus collectors on demand and registers each name
// once. Dotted names are converted to underscores.
type Factory struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	namespace  string

	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
	gauges     map[string]prometheus.Gauge
}

// Option configures a Factory.
type Option func(*Factory)

// WithNamespace prefixes every metric name.
func WithNamespace(ns string) Option {
	return func(f *Factory) { f.namespace = ns }
}

// New returns a Factory registering into reg. A nil reg uses a fresh
// private registry.
func New(reg prometheus.Registerer, opts ...Option) *Factory {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := &Factory{
		registerer: reg,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
		gauges:     make(map[string]prometheus.Gauge),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Counter implements observability.MetricFactory.
func (f *Factory) Counter(name string) observability.Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name)
	if c, ok := f.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      key + "_total",
		Help:      "Tally counter " + name,
	})
	f.counters[key] = register(f.registerer, c)
	return f.counters[key]
}

// Histogram implements observability.MetricFactory.
func (f *Factory) Histogram(name string) observability.Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name)
	if h, ok := f.histograms[key]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      key,
		Help:      "Tally histogram " + name,
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})
	f.histograms[key] = register(f.registerer, h)
	return f.histograms[key]
}

// Gauge implements observability.MetricFactory.
func (f *Factory) Gauge(name string) observability.Gauge {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := metricName(name)
	if g, ok := f.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: f.namespace,
		Name:      key,
		Help:      "Tally gauge " + name,
	})
	f.gauges[key] = register(f.registerer, g)
	return f.gauges[key]
}

// register adds c to reg, reusing a collector another factory already
// registered under the same name.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
