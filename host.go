// host.go: Management surface tying loader, registry and dispatcher together
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// hostOptions holds the collaborators a Host is built with.
type hostOptions struct {
	logger        Logger
	metrics       MetricsCollector
	auditor       Auditor
	loaderOptions []LoaderOption
}

// HostOption configures a Host.
type HostOption func(*hostOptions)

// WithHostLogger sets the logger shared by every component of the host.
func WithHostLogger(l Logger) HostOption {
	return func(o *hostOptions) {
		o.logger = l
	}
}

// WithHostMetrics sets the metrics collector shared by every component.
func WithHostMetrics(m MetricsCollector) HostOption {
	return func(o *hostOptions) {
		o.metrics = m
	}
}

// WithHostAuditor sets the auditor for management events. It overrides the
// audit section of the configuration.
func WithHostAuditor(a Auditor) HostOption {
	return func(o *hostOptions) {
		o.auditor = a
	}
}

// WithHostLoaderOptions passes extra options to the host's loader.
func WithHostLoaderOptions(opts ...LoaderOption) HostOption {
	return func(o *hostOptions) {
		o.loaderOptions = append(o.loaderOptions, opts...)
	}
}

// Host is the local function host: it loads artifacts, keeps the registry
// and dispatches requests. All methods are safe for concurrent use.
type Host struct {
	loader     *Loader
	registry   *Registry
	dispatcher *Dispatcher
	logger     Logger
	metrics    MetricsCollector
	auditor    Auditor

	drainTimeout atomic.Int64

	// reconcileMu serializes Apply; managed records what Apply registered.
	reconcileMu sync.Mutex
	managed     map[string]FunctionConfig
	builtins    map[string]struct{}

	shutdownOnce sync.Once
	shutdownErr  error
	shutdown     atomic.Bool
}

// NewHost builds a host from cfg and registers the configured builtins.
// Functions listed in cfg are not loaded until Apply is called.
func NewHost(cfg HostConfig, opts ...HostOption) (*Host, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := hostOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewNoOpLogger()
	}
	if o.metrics == nil {
		o.metrics = NoOpMetricsCollector{}
	}
	if o.auditor == nil {
		o.auditor = NoOpAuditor{}
		if cfg.Audit.Enabled {
			auditor, err := NewArgusAuditor(cfg.Audit.OutputFile)
			if err != nil {
				return nil, err
			}
			o.auditor = auditor
		}
	}

	loaderOpts := []LoaderOption{
		WithLoaderLogger(o.logger.With("component", "loader")),
		WithLoaderMetrics(o.metrics),
		WithAllowedDigests(cfg.AllowedDigests...),
	}
	loaderOpts = append(loaderOpts, o.loaderOptions...)

	registry := NewRegistry(
		WithRegistryLogger(o.logger.With("component", "registry")),
		WithRegistryMetrics(o.metrics),
	)

	h := &Host{
		loader:   NewLoader(loaderOpts...),
		registry: registry,
		dispatcher: NewDispatcher(registry,
			WithDispatchTimeout(cfg.DispatchTimeout.Std()),
			WithDispatcherLogger(o.logger.With("component", "dispatcher")),
			WithDispatcherMetrics(o.metrics),
		),
		logger:   o.logger,
		metrics:  o.metrics,
		auditor:  o.auditor,
		managed:  make(map[string]FunctionConfig),
		builtins: make(map[string]struct{}),
	}
	h.drainTimeout.Store(int64(cfg.DrainTimeout.Std()))

	if err := h.syncBuiltins(cfg.Builtins); err != nil {
		return nil, err
	}
	return h, nil
}

// Loader returns the host's loader.
func (h *Host) Loader() *Loader { return h.loader }

// Registry returns the host's registry.
func (h *Host) Registry() *Registry { return h.registry }

// Dispatcher returns the host's dispatcher.
func (h *Host) Dispatcher() *Dispatcher { return h.dispatcher }

// Logger returns the host's logger.
func (h *Host) Logger() Logger { return h.logger }

// Metrics returns the host's metrics collector.
func (h *Host) Metrics() MetricsCollector { return h.metrics }

// DrainTimeout returns how long Unregister waits for in-flight invocations
// when the caller's context has no deadline.
func (h *Host) DrainTimeout() time.Duration {
	return time.Duration(h.drainTimeout.Load())
}

// Load maps an artifact without registering it.
func (h *Host) Load(ctx context.Context, path string) (*PluginHandle, error) {
	handle, err := h.loader.Load(ctx, path)
	if err != nil {
		h.auditor.Record(AuditFunctionLoadFailed, map[string]interface{}{
			"path":  path,
			"code":  ErrorCodeOf(err),
			"error": err.Error(),
		})
		return nil, err
	}
	h.auditor.Record(AuditFunctionLoaded, map[string]interface{}{
		"path":   handle.Path(),
		"digest": handle.Digest(),
	})
	return handle, nil
}

// Register binds an already loaded handle to name.
func (h *Host) Register(name string, handle *PluginHandle, replace bool) error {
	if h.shutdown.Load() {
		return NewRegistryClosedError()
	}
	replaced, err := h.registry.register(name, handle, replace)
	if err != nil {
		return err
	}
	event := AuditFunctionRegistered
	if replaced {
		event = AuditFunctionReplaced
	}
	h.auditor.Record(event, map[string]interface{}{
		"function": name,
		"path":     handle.Path(),
		"digest":   handle.Digest(),
	})
	return nil
}

// LoadAndRegister loads the artifact at path and registers it under name.
// A handle that fails to register is closed again.
func (h *Host) LoadAndRegister(ctx context.Context, name, path string, replace bool) error {
	if err := ValidateFunctionName(name); err != nil {
		return err
	}
	handle, err := h.Load(ctx, path)
	if err != nil {
		return err
	}
	if err := h.Register(name, handle, replace); err != nil {
		if closeErr := handle.Close(); closeErr != nil {
			h.logger.Warn("Failed to close unregistered handle", "path", handle.Path(), "error", closeErr)
		}
		return err
	}
	return nil
}

// Unregister removes name, waiting for in-flight invocations. When ctx has
// no deadline the configured drain timeout applies.
func (h *Host) Unregister(ctx context.Context, name string) error {
	if _, ok := ctx.Deadline(); !ok {
		if d := h.DrainTimeout(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	handle, err := h.registry.Unregister(ctx, name)
	if handle != nil {
		h.auditor.Record(AuditFunctionUnregistered, map[string]interface{}{
			"function": name,
			"path":     handle.Path(),
			"drained":  err == nil,
		})
	}
	return err
}

// Dispatch routes req to its function.
func (h *Host) Dispatch(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
	return h.dispatcher.Dispatch(ctx, req)
}

// List returns the registered names, sorted.
func (h *Host) List() []string {
	return h.registry.List()
}

// Describe returns details of one registered function.
func (h *Host) Describe(name string) (FunctionInfo, error) {
	return h.registry.Describe(name)
}

// Functions describes every registered function.
func (h *Host) Functions() []FunctionInfo {
	return h.registry.Snapshot()
}

// ApplyResult summarizes a reconciliation.
type ApplyResult struct {
	Added     []string `json:"added,omitempty"`
	Replaced  []string `json:"replaced,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// Apply brings the registry in line with cfg: declared functions that are
// missing get loaded, functions whose artifact path or contents changed get
// replaced, functions that were previously applied but are no longer
// declared get unregistered. Functions registered directly through Register
// are never touched unless cfg declares the same name. Timeouts, the digest
// allow-list and builtins are updated too.
//
// Every function is attempted; the returned error joins individual failures.
func (h *Host) Apply(ctx context.Context, cfg HostConfig) (ApplyResult, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return ApplyResult{}, err
	}
	if h.shutdown.Load() {
		return ApplyResult{}, NewRegistryClosedError()
	}

	h.reconcileMu.Lock()
	defer h.reconcileMu.Unlock()

	h.dispatcher.SetTimeout(cfg.DispatchTimeout.Std())
	h.drainTimeout.Store(int64(cfg.DrainTimeout.Std()))
	h.loader.SetAllowedDigests(cfg.AllowedDigests...)

	var (
		result ApplyResult
		errs   []error
	)

	desired := make(map[string]FunctionConfig)
	for _, f := range cfg.EnabledFunctions() {
		desired[f.Name] = f
	}
	if cfg.FunctionsDir != "" {
		if err := h.addDiscovered(ctx, cfg, desired); err != nil {
			errs = append(errs, err)
		}
	}

	// Names no longer declared are released before builtins can claim them.
	for name := range h.managed {
		if _, keep := desired[name]; keep {
			continue
		}
		if err := h.Unregister(ctx, name); err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		}
		delete(h.managed, name)
		result.Removed = append(result.Removed, name)
	}
	sort.Strings(result.Removed)

	if err := h.syncBuiltins(cfg.Builtins); err != nil {
		errs = append(errs, err)
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fc := desired[name]
		current, err := h.registry.Resolve(name)
		switch {
		case err != nil:
			if err := h.LoadAndRegister(ctx, name, fc.Path, fc.Replace); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Added = append(result.Added, name)
		case artifactChanged(current, fc.Path):
			if err := h.LoadAndRegister(ctx, name, fc.Path, true); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Replaced = append(result.Replaced, name)
		default:
			result.Unchanged = append(result.Unchanged, name)
		}
		h.managed[name] = fc
	}

	h.logger.Info("Configuration applied",
		"added", len(result.Added),
		"replaced", len(result.Replaced),
		"removed", len(result.Removed),
		"unchanged", len(result.Unchanged),
		"errors", len(errs))

	return result, stderrors.Join(errs...)
}

// addDiscovered adds the artifacts found under cfg.FunctionsDir to desired.
// Declared functions, disabled ones included, and builtins keep their names.
func (h *Host) addDiscovered(ctx context.Context, cfg HostConfig, desired map[string]FunctionConfig) error {
	found, err := DiscoverArtifacts(ctx, cfg.FunctionsDir, DefaultDiscoveryDepth, h.logger.With("component", "discovery"))
	if err != nil {
		return err
	}
	reserved := make(map[string]struct{}, len(cfg.Functions)+len(cfg.Builtins))
	for _, f := range cfg.Functions {
		reserved[f.Name] = struct{}{}
	}
	for _, b := range cfg.Builtins {
		reserved[b] = struct{}{}
	}
	for _, a := range found {
		if _, taken := reserved[a.Name]; taken {
			continue
		}
		desired[a.Name] = FunctionConfig{Name: a.Name, Path: a.Path}
	}
	return nil
}

// artifactChanged reports whether path now designates a different artifact
// than the one current was loaded from.
func artifactChanged(current *PluginHandle, path string) bool {
	if current.Builtin() {
		return true
	}
	resolved, err := ResolveArtifactPath(path)
	if err != nil {
		// Let the reload surface the error.
		return true
	}
	if resolved != current.Path() {
		return true
	}
	digest, err := FileDigest(resolved)
	if err != nil {
		return true
	}
	return digest != current.Digest()
}

// syncBuiltins registers requested builtins and removes the ones no longer requested.
func (h *Host) syncBuiltins(requested []string) error {
	want := make(map[string]struct{}, len(requested))
	var errs []error
	for _, name := range requested {
		want[name] = struct{}{}
		if _, ok := h.builtins[name]; ok {
			continue
		}
		fn, ok := newBuiltin(name, h.logger.With("component", "builtin", "function", name))
		if !ok {
			errs = append(errs, NewConfigValidationError("unknown builtin "+name, nil))
			continue
		}
		if err := h.Register(name, NewBuiltinHandle(fn), false); err != nil {
			errs = append(errs, err)
			continue
		}
		h.builtins[name] = struct{}{}
	}
	for name := range h.builtins {
		if _, keep := want[name]; keep {
			continue
		}
		if err := h.Unregister(context.Background(), name); err != nil && !IsNotFound(err) {
			errs = append(errs, err)
		}
		delete(h.builtins, name)
	}
	return stderrors.Join(errs...)
}

// Shutdown unregisters every function, waiting for in-flight invocations
// until ctx ends, and closes the auditor. Calls after the first return the
// first result.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.shutdown.Store(true)
		names := h.registry.List()
		err := h.registry.Close(ctx)
		h.auditor.Record(AuditHostShutdown, map[string]interface{}{
			"functions": names,
			"clean":     err == nil,
		})
		if closeErr := h.auditor.Close(); closeErr != nil {
			err = stderrors.Join(err, closeErr)
		}
		h.shutdownErr = err
		h.logger.Info("Host shut down", "functions", len(names), "clean", err == nil)
	})
	return h.shutdownErr
}
