// dispatcher.go: Request routing with failure isolation and deadlines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"
)

// DefaultDispatchTimeout bounds a single invocation unless configured otherwise.
const DefaultDispatchTimeout = 30 * time.Second

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchTimeout sets the maximum time to wait for a function. Zero disables the limit.
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.timeout.Store(int64(d))
	}
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l Logger) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.logger = l
	}
}

// WithDispatcherMetrics sets the collector for dispatch outcomes and latency.
func WithDispatcherMetrics(m MetricsCollector) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// Dispatcher routes requests to registered functions.
//
// Each invocation runs in its own goroutine under panic recovery while the
// caller waits for either its result or the deadline. The registry lock is
// never held across an invocation. On timeout the caller gets an error right
// away; the invocation's context is cancelled and its lease stays held until
// the function actually returns, so unregistering waits for it.
type Dispatcher struct {
	registry *Registry
	timeout  atomic.Int64
	logger   Logger
	metrics  MetricsCollector
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   NewNoOpLogger(),
		metrics:  NoOpMetricsCollector{},
	}
	d.timeout.Store(int64(DefaultDispatchTimeout))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Timeout returns the configured invocation limit.
func (d *Dispatcher) Timeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// SetTimeout changes the invocation limit for subsequent dispatches.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	d.timeout.Store(int64(timeout))
}

type invocationResult struct {
	resp *ComputeResponse
	err  error
}

// Dispatch invokes the function named by req's target and returns its
// response. Errors are classified as not-found, bad-request, execution or
// timeout; none of them affect other functions.
func (d *Dispatcher) Dispatch(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
	if req == nil {
		return nil, NewInvalidFunctionNameError("", "nil_request")
	}
	name := req.FunctionName()
	logger := d.logger.With("function", name)

	timeout := d.Timeout()
	callCtx, cancel := invocationContext(ctx, timeout)
	defer cancel()

	lease, err := d.registry.acquire(name, cancel)
	if err != nil {
		d.record("", OutcomeNotFound, 0)
		logger.Debug("Dispatch target not found")
		return nil, err
	}
	callCtx = ContextWithLogger(callCtx, logger)

	start := time.Now()
	results := make(chan invocationResult, 1)
	inFlightLabels := map[string]string{"function": name}

	d.metrics.AddGauge(MetricInFlight, inFlightLabels, 1)
	go func() {
		defer lease.Release()
		defer d.metrics.AddGauge(MetricInFlight, inFlightLabels, -1)

		var resp *ComputeResponse
		err := callRecovered(func() error {
			var callErr error
			resp, callErr = lease.Function().ReceiveRequest(callCtx, req)
			return callErr
		})
		results <- invocationResult{resp: resp, err: err}
	}()

	select {
	case res := <-results:
		return d.complete(name, logger, start, res)
	case <-callCtx.Done():
		elapsed := time.Since(start)
		d.record(name, OutcomeTimeout, elapsed)
		logger.Warn("Function did not respond in time; result will be discarded",
			"timeout", timeout,
			"elapsed", elapsed,
			"cause", callCtx.Err())
		return nil, NewDispatchTimeoutError(name, timeout, callCtx.Err())
	}
}

func invocationContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) complete(name string, logger Logger, start time.Time, res invocationResult) (*ComputeResponse, error) {
	elapsed := time.Since(start)

	if res.err == nil {
		resp := NoContent()
		if res.resp != nil {
			// Functions may hand back a shared response; never write to it.
			copied := *res.resp
			resp = &copied
		}
		if resp.Status == StatusUnknown {
			resp.Status = StatusOK
		}
		d.record(name, OutcomeSuccess, elapsed)
		logger.Debug("Function execution successful", "duration", elapsed, "status", resp.Status)
		return resp, nil
	}

	var panicErr *PanicError
	if stderrors.As(res.err, &panicErr) {
		d.record(name, OutcomeExecution, elapsed)
		d.metrics.IncrementCounter(MetricPanicsRecovered, map[string]string{"function": name}, 1)
		logger.Error("Function panicked",
			"panic", panicErr.Value,
			"stack", string(panicErr.Stack))
		return nil, NewExecutionError(name, panicErr).WithContext("panic", true)
	}

	var badReq *BadRequestError
	if stderrors.As(res.err, &badReq) {
		d.record(name, OutcomeBadRequest, elapsed)
		logger.Debug("Function rejected request", "sender", badReq.Sender, "message", badReq.Message)
		return nil, NewBadRequestDispatchError(name, badReq)
	}

	d.record(name, OutcomeExecution, elapsed)
	logger.Warn("Function execution failed", "error", res.err, "duration", elapsed)
	return nil, NewExecutionError(name, res.err)
}

func (d *Dispatcher) record(name, outcome string, elapsed time.Duration) {
	labels := map[string]string{"function": name, "outcome": outcome}
	d.metrics.IncrementCounter(MetricDispatchTotal, labels, 1)
	if outcome != OutcomeNotFound {
		d.metrics.RecordHistogram(MetricDispatchDuration, map[string]string{"function": name}, elapsed.Seconds())
	}
}
