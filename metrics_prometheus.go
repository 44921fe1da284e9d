// metrics_prometheus.go: Prometheus-backed MetricsCollector
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var dispatchDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

var metricHelp = map[string]string{
	MetricLoadsTotal:          "Plugin load attempts by outcome.",
	MetricDispatchTotal:       "Dispatched requests by function and outcome.",
	MetricDispatchDuration:    "Time spent waiting for a function result.",
	MetricInFlight:            "Function invocations currently running.",
	MetricRegisteredFunctions: "Functions currently registered.",
	MetricPanicsRecovered:     "Function panics recovered by the dispatcher.",
	MetricHTTPRequests:        "HTTP gateway requests by route, method and code.",
	MetricHTTPDuration:        "HTTP gateway request latency by route.",
}

// PrometheusMetrics implements MetricsCollector on a private Prometheus
// registry. Vectors are created on first use; their label set is fixed by
// that first observation and later observations with a different label set
// are dropped.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a collector whose metric names are prefixed by namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry for additional collectors.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) IncrementCounter(name string, labels map[string]string, value int64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Add(float64(value))
	}
}

func (p *PrometheusMetrics) gauge(name string, labels map[string]string) prometheus.Gauge {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return nil
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return g
}

func (p *PrometheusMetrics) SetGauge(name string, labels map[string]string, value float64) {
	if g := p.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func (p *PrometheusMetrics) AddGauge(name string, labels map[string]string, delta float64) {
	if g := p.gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

func (p *PrometheusMetrics) RecordHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   dispatchDurationBuckets,
		}, labelNames(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

// GetMetrics flattens counters and gauges of the registry into a snapshot.
// Histograms are reported by their sample count.
func (p *PrometheusMetrics) GetMetrics() map[string]interface{} {
	out := make(map[string]interface{})
	families, err := p.registry.Gather()
	if err != nil {
		return out
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			key := metricKey(family.GetName(), labels)
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = m.GetHistogram().GetSampleCount()
			}
		}
	}
	return out
}

func helpFor(name string) string {
	if help, ok := metricHelp[name]; ok {
		return help
	}
	return name
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
