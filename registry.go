// registry.go: Concurrency-safe function registry with drain-before-unload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ZenLiuCN/fn"
)

// FunctionInfo is a point-in-time description of a registered function.
type FunctionInfo struct {
	Name         string    `json:"name"`
	FunctionName string    `json:"function_name"`
	Path         string    `json:"path"`
	Digest       string    `json:"digest,omitempty"`
	GoVersion    string    `json:"go_version,omitempty"`
	Builtin      bool      `json:"builtin"`
	LoadedAt     time.Time `json:"loaded_at"`
	InFlight     int64     `json:"in_flight"`
	Invocations  int64     `json:"invocations"`
}

// Registry maps function names to loaded handles.
//
// The map is guarded by a sync.RWMutex. Lookups take the read lock; register
// and unregister take the write lock. A goroutine blocked in Lock prevents new
// readers from acquiring the lock, so a stream of lookups cannot starve a
// writer. No plugin code ever runs while the lock is held.
//
// Reference counting lives on each handle. Acquire increments it under the
// read lock, so once Unregister has removed a name under the write lock no
// new invocation can pin the handle, and draining only has to wait for the
// holds taken before that point.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*PluginHandle
	closed  bool

	logger  Logger
	metrics MetricsCollector

	// background teardowns of replaced or timed-out handles
	pending sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithRegistryMetrics sets the collector that tracks the registered function count.
func WithRegistryMetrics(m MetricsCollector) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*PluginHandle),
		logger:  NewNoOpLogger(),
		metrics: NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateFunctionName checks that name can be used as a routing key.
func ValidateFunctionName(name string) error {
	switch {
	case name == "":
		return NewInvalidFunctionNameError(name, "empty")
	case strings.TrimSpace(name) != name:
		return NewInvalidFunctionNameError(name, "surrounding_whitespace")
	case strings.ContainsAny(name, "/?#"):
		return NewInvalidFunctionNameError(name, "reserved_character")
	case strings.ContainsFunc(name, func(r rune) bool { return r < 0x20 || r == 0x7f }):
		return NewInvalidFunctionNameError(name, "control_character")
	}
	return nil
}

// Register binds name to h. If the name is taken the call fails with a
// duplicate-name error unless replace is set, in which case the new handle
// becomes visible atomically and the old one is drained and torn down in the
// background. Replacing a name with the handle it already holds is a no-op.
func (r *Registry) Register(name string, h *PluginHandle, replace bool) error {
	_, err := r.register(name, h, replace)
	return err
}

// register is Register reporting whether an existing entry was replaced.
func (r *Registry) register(name string, h *PluginHandle, replace bool) (bool, error) {
	if err := ValidateFunctionName(name); err != nil {
		return false, err
	}
	if h == nil {
		return false, NewInvalidFunctionNameError(name, "nil_handle")
	}
	if h.State() != HandleAlive {
		return false, NewInvalidFunctionNameError(name, "handle_not_alive").
			WithContext("state", h.State().String())
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, NewRegistryClosedError()
	}

	existing, exists := r.entries[name]
	if exists && !replace {
		r.mu.Unlock()
		return false, NewDuplicateNameError(name)
	}
	if exists && existing == h {
		r.mu.Unlock()
		return false, nil
	}
	if !h.registered.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return false, NewInvalidFunctionNameError(name, "handle_already_registered")
	}

	r.entries[name] = h
	if exists {
		existing.registered.Store(false)
		existing.markDraining()
	}
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetGauge(MetricRegisteredFunctions, nil, float64(count))

	if exists {
		r.logger.Info("Function replaced",
			"function", name,
			"path", h.Path(),
			"previous_path", existing.Path(),
			"previous_in_flight", existing.InFlight())
		r.teardownInBackground(name, existing)
		return true, nil
	}

	r.logger.Info("Function registered",
		"function", name,
		"path", h.Path(),
		"builtin", h.Builtin())
	return false, nil
}

// Unregister removes name and tears its handle down once every in-flight
// invocation has released it. After Unregister returns, no dispatch can
// resolve the name.
//
// If ctx ends before the handle drains, the in-flight invocations are asked
// to cancel, teardown continues in the background and a drain-timeout error
// is returned together with the handle.
func (r *Registry) Unregister(ctx context.Context, name string) (*PluginHandle, error) {
	r.mu.Lock()
	h, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, NewFunctionNotFoundError(name)
	}
	delete(r.entries, name)
	h.registered.Store(false)
	h.markDraining()
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetGauge(MetricRegisteredFunctions, nil, float64(count))
	logger := r.logger.With("function", name)
	logger.Info("Function unregistering", "in_flight", h.InFlight())

	if err := h.waitDrained(ctx); err != nil {
		pending := h.InFlight()
		cancelled := h.cancelInFlight()
		logger.Warn("Drain timed out, continuing teardown in background",
			"pending", pending,
			"cancelled", cancelled)
		r.teardownInBackground(name, h)
		return h, NewDrainTimeoutError(name, pending, err)
	}

	if err := h.teardown(); err != nil {
		logger.Warn("Function teardown reported an error", "error", err)
		return h, err
	}
	logger.Info("Function unregistered", "invocations", h.Invocations())
	return h, nil
}

func (r *Registry) teardownInBackground(name string, h *PluginHandle) {
	r.pending.Add(1)
	SafeGoWithHandler(func(recovered interface{}, stack []byte) {
		r.metrics.IncrementCounter(MetricPanicsRecovered, map[string]string{"function": name}, 1)
		r.logger.Error("Background teardown panicked",
			"function", name,
			"panic", recovered,
			"stack", string(stack))
	}, func() {
		defer r.pending.Done()
		<-h.Drained()
		if err := h.teardown(); err != nil {
			r.logger.Warn("Background teardown reported an error", "function", name, "error", err)
			return
		}
		r.logger.Debug("Background teardown complete", "function", name, "path", h.Path())
	})
}

// Resolve returns the handle registered under name.
func (r *Registry) Resolve(name string) (*PluginHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[name]
	if !ok {
		return nil, NewFunctionNotFoundError(name)
	}
	return h, nil
}

// Acquire resolves name and pins its handle for one invocation. The caller
// must Release the lease.
func (r *Registry) Acquire(name string) (*Lease, error) {
	return r.acquire(name, nil)
}

// acquire attaches cancel to the lease while the name is still resolved, so
// an Unregister that times out always reaches the invocation.
func (r *Registry) acquire(name string, cancel context.CancelFunc) (*Lease, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[name]
	if !ok {
		return nil, NewFunctionNotFoundError(name)
	}
	return h.acquire(cancel), nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := fn.MapKeys(r.entries)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Contains reports whether name is currently registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Describe returns a snapshot of the function registered under name.
func (r *Registry) Describe(name string) (FunctionInfo, error) {
	h, err := r.Resolve(name)
	if err != nil {
		return FunctionInfo{}, err
	}
	return describe(name, h), nil
}

// Snapshot describes every registered function, sorted by name.
func (r *Registry) Snapshot() []FunctionInfo {
	r.mu.RLock()
	out := make([]FunctionInfo, 0, len(r.entries))
	for name, h := range r.entries {
		out = append(out, describe(name, h))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func describe(name string, h *PluginHandle) FunctionInfo {
	return FunctionInfo{
		Name:         name,
		FunctionName: h.FunctionName(),
		Path:         h.Path(),
		Digest:       h.Digest(),
		GoVersion:    h.info.GoVersion,
		Builtin:      h.Builtin(),
		LoadedAt:     h.LoadedAt(),
		InFlight:     h.InFlight(),
		Invocations:  h.Invocations(),
	}
}

// Close unregisters every function and waits for all teardowns, including
// those started earlier by replacements. Later registrations fail.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*PluginHandle)
	for _, h := range entries {
		h.registered.Store(false)
		h.markDraining()
	}
	r.mu.Unlock()

	r.metrics.SetGauge(MetricRegisteredFunctions, nil, 0)

	var errs []error
	for name, h := range entries {
		if err := h.waitDrained(ctx); err != nil {
			h.cancelInFlight()
			r.teardownInBackground(name, h)
			errs = append(errs, NewDrainTimeoutError(name, h.InFlight(), err))
			continue
		}
		if err := h.teardown(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if len(errs) == 0 {
			errs = append(errs, NewDrainTimeoutError("*", 0, ctx.Err()))
		}
	}

	r.logger.Info("Registry closed", "functions", len(entries))
	return stderrors.Join(errs...)
}
