// panic_recovery.go: Panic recovery utilities with stack trace support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"fmt"
	"runtime"
)

// stackBufferSize bounds captured stack traces.
const stackBufferSize = 64 << 10

// RecoveryHandler defines the signature for panic recovery handlers.
type RecoveryHandler func(recovered interface{}, stack []byte)

// PanicError carries a recovered panic value and the stack of the goroutine
// that panicked. It is the cause of execution and constructor errors raised
// by misbehaving plugins.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func captureStack() []byte {
	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a recovery function that logs the panic with its
// stack trace. Call it with defer:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// withCustomRecoveryHandler returns a recovery function that hands the panic
// value and stack to handler.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			handler(r, captureStack())
		}
	}
}

// SafeGo executes fn in a new goroutine with automatic panic recovery.
// If fn panics, the panic is logged and the goroutine terminates without
// crashing the host.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler executes fn in a new goroutine with custom panic recovery.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer withCustomRecoveryHandler(handler)()
		fn()
	}()
}

// callRecovered runs fn on the current goroutine and converts a panic into a
// *PanicError.
func callRecovered(fn func() error) (err error) {
	defer withCustomRecoveryHandler(func(recovered interface{}, stack []byte) {
		err = &PanicError{Value: recovered, Stack: stack}
	})()
	return fn()
}
