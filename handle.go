// handle.go: Loaded plugin ownership, in-flight tracking and draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// HandleState is the lifecycle state of a PluginHandle.
type HandleState int32

const (
	HandleAlive HandleState = iota
	HandleDraining
	HandleClosed
)

// String returns a human-readable representation of the handle state.
func (s HandleState) String() string {
	switch s {
	case HandleAlive:
		return "alive"
	case HandleDraining:
		return "draining"
	case HandleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrCodeHandleInUse is returned when closing a handle still owned by a registry.
const ErrCodeHandleInUse = "REGISTRY_1206"

// PluginHandle owns one loaded function: the mapped library, the constructed
// instance and the bookkeeping needed to tear it down safely.
//
// Invocations hold the handle through a Lease. Once a handle starts draining
// no new lease can be taken through the registry, and teardown waits until
// the last outstanding lease is released. Teardown drops the instance first
// and the library second.
type PluginHandle struct {
	info     ArtifactInfo
	builtin  bool
	loadedAt time.Time
	logger   Logger

	mu       sync.RWMutex
	instance ComputeFunction
	library  Library

	refs        atomic.Int64
	invocations atomic.Int64
	state       atomic.Int32
	registered  atomic.Bool

	drained   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	leaseMu sync.Mutex
	leases  map[*Lease]struct{}
}

func newPluginHandle(info ArtifactInfo, lib Library, fn ComputeFunction, logger Logger) *PluginHandle {
	return &PluginHandle{
		info:     info,
		loadedAt: timecache.CachedTime(),
		logger:   logger,
		instance: fn,
		library:  lib,
		drained:  make(chan struct{}),
		leases:   make(map[*Lease]struct{}),
	}
}

// NewBuiltinHandle wraps an in-process function so it can be registered like
// a loaded plugin. Builtins have no library and no artifact.
func NewBuiltinHandle(fn ComputeFunction) *PluginHandle {
	h := newPluginHandle(ArtifactInfo{Path: "builtin:" + fn.Name(), Compatible: true}, nil, fn, NewNoOpLogger())
	h.builtin = true
	if hook, ok := fn.(LoadHook); ok {
		hook.OnLoad()
	}
	return h
}

// FunctionName returns the name the function reports for itself.
func (h *PluginHandle) FunctionName() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.instance == nil {
		return ""
	}
	return h.instance.Name()
}

// Artifact returns what was read from disk when the handle was loaded.
func (h *PluginHandle) Artifact() ArtifactInfo { return h.info }

// Path returns the artifact path the handle was loaded from.
func (h *PluginHandle) Path() string { return h.info.Path }

// Digest returns the SHA-256 of the artifact, hex encoded.
func (h *PluginHandle) Digest() string { return h.info.Digest }

// Builtin reports whether the handle wraps an in-process function.
func (h *PluginHandle) Builtin() bool { return h.builtin }

// LoadedAt returns when the handle was created.
func (h *PluginHandle) LoadedAt() time.Time { return h.loadedAt }

// State returns the current lifecycle state.
func (h *PluginHandle) State() HandleState { return HandleState(h.state.Load()) }

// InFlight returns the number of outstanding leases.
func (h *PluginHandle) InFlight() int64 { return h.refs.Load() }

// Invocations returns the total number of leases ever taken.
func (h *PluginHandle) Invocations() int64 { return h.invocations.Load() }

// Drained is closed once the handle is draining and no lease is outstanding.
func (h *PluginHandle) Drained() <-chan struct{} { return h.drained }

// acquire takes a hold on the handle. The registry calls it while holding
// its read lock, so a handle found in the map is never already draining.
// acquire pins the handle for one invocation. cancel, when set, is what
// cancelInFlight calls for this lease.
func (h *PluginHandle) acquire(cancel context.CancelFunc) *Lease {
	h.refs.Add(1)
	h.invocations.Add(1)

	h.mu.RLock()
	fn := h.instance
	h.mu.RUnlock()

	l := &Lease{handle: h, fn: fn, cancel: cancel}
	h.leaseMu.Lock()
	h.leases[l] = struct{}{}
	h.leaseMu.Unlock()
	return l
}

func (h *PluginHandle) release(l *Lease) {
	h.leaseMu.Lock()
	delete(h.leases, l)
	h.leaseMu.Unlock()

	if h.refs.Add(-1) == 0 && h.State() != HandleAlive {
		h.signalDrained()
	}
}

// markDraining stops the handle from being treated as live. Callers remove
// the handle from the registry map before calling it.
func (h *PluginHandle) markDraining() {
	h.state.CompareAndSwap(int32(HandleAlive), int32(HandleDraining))
	if h.refs.Load() == 0 {
		h.signalDrained()
	}
}

func (h *PluginHandle) signalDrained() {
	h.drainOnce.Do(func() { close(h.drained) })
}

// cancelInFlight cancels the contexts of every outstanding invocation. It
// returns how many were signalled. Functions that ignore their context keep
// running.
func (h *PluginHandle) cancelInFlight() int {
	h.leaseMu.Lock()
	defer h.leaseMu.Unlock()
	n := 0
	for l := range h.leases {
		if l.cancelInvocation() {
			n++
		}
	}
	return n
}

// waitDrained blocks until the handle has drained or ctx ends.
func (h *PluginHandle) waitDrained(ctx context.Context) error {
	select {
	case <-h.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains and tears the handle down: the unload hook runs once, the
// instance is dropped and then the library reference is released. Close
// blocks until every outstanding lease is released. A handle still owned by
// a registry must be unregistered instead.
func (h *PluginHandle) Close() error {
	if h.registered.Load() {
		return errors.New(ErrCodeHandleInUse, "Handle is registered").
			WithUserMessage("Unregister the function before closing its handle").
			WithContext("path", h.info.Path).
			WithSeverity("error")
	}
	h.markDraining()
	<-h.drained
	return h.teardown()
}

func (h *PluginHandle) teardown() error {
	h.closeOnce.Do(func() {
		h.state.Store(int32(HandleClosed))

		h.mu.Lock()
		fn := h.instance
		h.instance = nil
		h.mu.Unlock()

		if hook, ok := fn.(UnloadHook); ok {
			if err := callRecovered(func() error { hook.OnUnload(); return nil }); err != nil {
				h.logger.Error("Unload hook panicked", "path", h.info.Path, "error", err)
				h.closeErr = NewExecutionError(fn.Name(), err).WithContext("phase", "unload")
			}
		}

		// The Go runtime never unmaps a plugin; dropping the reference is
		// the most the host can do.
		h.mu.Lock()
		h.library = nil
		h.mu.Unlock()

		h.logger.Debug("Plugin handle closed", "path", h.info.Path, "invocations", h.invocations.Load())
	})
	return h.closeErr
}

// Lease is a hold on a handle for the duration of one invocation.
type Lease struct {
	handle *PluginHandle
	fn     ComputeFunction

	mu       sync.Mutex
	cancel   context.CancelFunc
	released bool
}

// Function returns the instance this lease pins.
func (l *Lease) Function() ComputeFunction { return l.fn }

// Handle returns the leased handle.
func (l *Lease) Handle() *PluginHandle { return l.handle }

func (l *Lease) cancelInvocation() bool {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Release drops the hold. It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.cancel = nil
	l.mu.Unlock()
	l.handle.release(l)
}
