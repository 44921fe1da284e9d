// Package gocompute provides a local function-as-a-service host for Go applications.
// Independently compiled Go plugins implementing the ComputeFunction contract are
// loaded into the host process, validated for binary compatibility, registered under
// a unique name and invoked concurrently by a request dispatcher.
//
// Key Features:
//   - Two-stage ABI validation (compiler build info and exported contract tag)
//   - Concurrency-safe registry with writer priority and drain-before-unload
//   - Panic isolation and per-request deadlines in the dispatcher
//   - Builtin logger and echo functions
//   - Hot-reloadable configuration (YAML, JSON, TOML) backed by Argus
//   - HTTP and gRPC gateways with Prometheus metrics
//
// Writing a function:
//
//	package main
//
//	import (
//		"context"
//
//		gocompute "github.com/agilira/go-compute"
//	)
//
//	var ComputeABI = gocompute.ContractABI
//
//	type greeter struct{}
//
//	func (greeter) Name() string { return "greeter" }
//
//	func (greeter) ReceiveRequest(ctx context.Context, req *gocompute.ComputeRequest) (*gocompute.ComputeResponse, error) {
//		return gocompute.JSON(map[string]any{"hello": req.Payload()}), nil
//	}
//
//	func NewComputeFunction() gocompute.ComputeFunction { return greeter{} }
//
// Build it with `go build -buildmode=plugin` (or `gocompute build`) and host it:
//
//	host, err := gocompute.NewHost(gocompute.DefaultHostConfig(), gocompute.WithHostLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer host.Shutdown(context.Background())
//
//	if err := host.LoadAndRegister(ctx, "greeter", "/abs/out/greeter", false); err != nil {
//		log.Fatal(err)
//	}
//	resp, err := host.Dispatch(ctx, gocompute.NewComputeRequest(gocompute.NewTarget("greeter"), "world"))
//
// Plugins run fully trusted inside the host address space. The Go runtime never
// unmaps a plugin, so unloading a function is logical: the unload hook runs, the
// instance and symbol references are dropped and the name becomes free again.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package gocompute
