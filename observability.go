// observability.go: Metrics collection interface and in-memory implementation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Metric names emitted by the loader, registry and dispatcher.
const (
	MetricLoadsTotal          = "loads_total"
	MetricDispatchTotal       = "dispatch_total"
	MetricDispatchDuration    = "dispatch_duration_seconds"
	MetricInFlight            = "in_flight_invocations"
	MetricRegisteredFunctions = "registered_functions"
	MetricPanicsRecovered     = "panics_recovered_total"
	MetricHTTPRequests        = "http_requests_total"
	MetricHTTPDuration        = "http_request_duration_seconds"
)

// Dispatch and load outcomes used as the "outcome" label.
const (
	OutcomeSuccess    = "success"
	OutcomeNotFound   = "not_found"
	OutcomeBadRequest = "bad_request"
	OutcomeExecution  = "execution_error"
	OutcomeTimeout    = "timeout"
	OutcomeRejected   = "rejected"
)

// MetricsCollector defines the interface for collecting host metrics.
//
// Implementations must be safe for concurrent use. The host ships an
// in-memory collector for tests and embedding, a no-op collector and a
// Prometheus-backed collector used by the command line server.
type MetricsCollector interface {
	// Counter metrics
	IncrementCounter(name string, labels map[string]string, value int64)

	// Gauge metrics
	SetGauge(name string, labels map[string]string, value float64)
	AddGauge(name string, labels map[string]string, delta float64)

	// Histogram metrics
	RecordHistogram(name string, labels map[string]string, value float64)

	// Get current metrics snapshot
	GetMetrics() map[string]interface{}
}

// DefaultMetricsCollector keeps metrics in a map keyed by name and labels.
type DefaultMetricsCollector struct {
	metrics map[string]interface{}
	mu      sync.RWMutex
}

// NewDefaultMetricsCollector creates a new in-memory metrics collector
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		metrics: make(map[string]interface{}),
	}
}

func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	key := metricKey(name, labels)
	if counter, ok := dmc.metrics[key].(int64); ok {
		dmc.metrics[key] = counter + value
		return
	}
	dmc.metrics[key] = value
}

func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.metrics[metricKey(name, labels)] = value
}

func (dmc *DefaultMetricsCollector) AddGauge(name string, labels map[string]string, delta float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	key := metricKey(name, labels)
	current, _ := dmc.metrics[key].(float64)
	dmc.metrics[key] = current + delta
}

func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	key := metricKey(name, labels)
	histogram, _ := dmc.metrics[key].([]float64)
	dmc.metrics[key] = append(histogram, value)
}

func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	result := make(map[string]interface{}, len(dmc.metrics))
	for k, v := range dmc.metrics {
		result[k] = v
	}
	return result
}

// Counter returns the current value of a counter, zero if never incremented.
func (dmc *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	v, _ := dmc.metrics[metricKey(name, labels)].(int64)
	return v
}

// Gauge returns the current value of a gauge.
func (dmc *DefaultMetricsCollector) Gauge(name string, labels map[string]string) float64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	v, _ := dmc.metrics[metricKey(name, labels)].(float64)
	return v
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s{%s}", name, strings.Join(parts, ","))
}

// NoOpMetricsCollector discards every metric.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) IncrementCounter(string, map[string]string, int64)  {}
func (NoOpMetricsCollector) SetGauge(string, map[string]string, float64)        {}
func (NoOpMetricsCollector) AddGauge(string, map[string]string, float64)        {}
func (NoOpMetricsCollector) RecordHistogram(string, map[string]string, float64) {}
func (NoOpMetricsCollector) GetMetrics() map[string]interface{}                 { return map[string]interface{}{} }
