// function.go: The compute function contract
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import "context"

// ComputeFunction is the capability every hosted function provides.
//
// Implementations must be safe for concurrent use: the dispatcher invokes
// ReceiveRequest from many goroutines at once and never serializes calls to
// the same function. A function signals invalid input by returning a
// *BadRequestError; any other error is reported to callers as an execution
// failure.
//
// ctx is cancelled when the caller gives up or the dispatch deadline passes.
// Honoring it is cooperative: the host cannot stop a function that ignores it.
type ComputeFunction interface {
	// Name returns the function's self-reported name.
	Name() string

	// ReceiveRequest handles one request. A nil response is treated as NoContent.
	ReceiveRequest(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error)
}

// LoadHook is implemented by functions that need to run setup once after
// construction, before the host makes them reachable.
type LoadHook interface {
	OnLoad()
}

// UnloadHook is implemented by functions that need to release resources once
// all in-flight invocations have finished and before the host drops them.
type UnloadHook interface {
	OnUnload()
}

// HandlerFunc is the signature of a function body used with NewFunction.
type HandlerFunc func(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error)

type funcAdapter struct {
	name    string
	handler HandlerFunc
}

// NewFunction adapts a plain handler to the ComputeFunction contract. It is
// how the host builds its builtin functions and is handy in tests.
func NewFunction(name string, handler HandlerFunc) ComputeFunction {
	return &funcAdapter{name: name, handler: handler}
}

func (f *funcAdapter) Name() string { return f.name }

func (f *funcAdapter) ReceiveRequest(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
	return f.handler(ctx, req)
}
