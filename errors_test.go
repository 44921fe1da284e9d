// errors_test.go: Tests for structured error constructors and classification
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors_Codes(t *testing.T) {
	cause := fmt.Errorf("underlying")
	badReq := NewBadRequest("resize", "width missing", nil)

	tests := []struct {
		name     string
		err      *errors.Error
		code     string
		classify func(error) bool
	}{
		{"InvalidArtifact", NewInvalidArtifactError("/a.so", "not_found", cause), ErrCodeInvalidArtifact, IsInvalidArtifact},
		{"InvalidArtifactNoCause", NewInvalidArtifactError("/a.so", "empty_path", nil), ErrCodeInvalidArtifact, IsInvalidArtifact},
		{"MissingEntryPoint", NewMissingEntryPointError("/a.so", ConstructorSymbol, cause), ErrCodeMissingEntryPoint, IsMissingEntryPoint},
		{"ConstructorFailed", NewConstructorFailedError("/a.so", cause), ErrCodeConstructorFailed, IsConstructorFailed},
		{"IncompatibleABI", NewIncompatibleABIError("/a.so", "v1", "v2"), ErrCodeIncompatibleABI, IsIncompatibleABI},
		{"DuplicateName", NewDuplicateNameError("resize"), ErrCodeDuplicateName, IsDuplicateName},
		{"NotFound", NewFunctionNotFoundError("resize"), ErrCodeFunctionNotFound, IsNotFound},
		{"DrainTimeout", NewDrainTimeoutError("resize", 2, context.DeadlineExceeded), ErrCodeDrainTimeout, IsDrainTimeout},
		{"BadRequest", NewBadRequestDispatchError("resize", badReq), ErrCodeBadRequest, IsBadRequest},
		{"Execution", NewExecutionError("resize", cause), ErrCodeExecutionFailed, IsExecution},
		{"Timeout", NewDispatchTimeoutError("resize", time.Second, context.DeadlineExceeded), ErrCodeDispatchTimeout, IsTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.ErrorCode() != errors.ErrorCode(tt.code) {
				t.Errorf("Expected error code %s, got %s", tt.code, tt.err.ErrorCode())
			}
			if !tt.classify(tt.err) {
				t.Errorf("Classifier did not recognise %s", tt.code)
			}
			if tt.err.UserMessage() == "" {
				t.Error("Expected a user message")
			}

			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.classify(wrapped) {
				t.Errorf("Classifier did not see through wrapping for %s", tt.code)
			}
			assert.Equal(t, tt.code, ErrorCodeOf(wrapped))
		})
	}
}

func TestErrorConstructors_Context(t *testing.T) {
	err := NewIncompatibleABIError("/fn.so", ContractABI, "gocompute.contract/v0")
	assert.Equal(t, "/fn.so", err.Context["path"])
	assert.Equal(t, ContractABI, err.Context["expected"])
	assert.Equal(t, "gocompute.contract/v0", err.Context["found"])

	drain := NewDrainTimeoutError("fn", 3, context.DeadlineExceeded)
	assert.True(t, drain.IsRetryable(), "drain timeouts are retryable")
	assert.Equal(t, int64(3), drain.Context["pending_invocations"])

	timeout := NewDispatchTimeoutError("fn", 250*time.Millisecond, context.DeadlineExceeded)
	assert.True(t, timeout.IsRetryable())
	assert.Equal(t, "250ms", timeout.Context["timeout"])

	notFound := NewFunctionNotFoundError("fn")
	assert.False(t, notFound.IsRetryable())
	assert.Equal(t, "fn", notFound.Context["function_name"])
}

func TestClassifiers_ForeignErrors(t *testing.T) {
	foreign := fmt.Errorf("plain error")

	assert.False(t, IsNotFound(foreign))
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsLoadError(foreign))
	assert.Equal(t, "", ErrorCodeOf(foreign))
	assert.Equal(t, "", ErrorCodeOf(nil))
}

func TestIsLoadError(t *testing.T) {
	assert.True(t, IsLoadError(NewInvalidArtifactError("/x", "r", nil)))
	assert.True(t, IsLoadError(NewMissingEntryPointError("/x", ABISymbol, nil)))
	assert.True(t, IsLoadError(NewConstructorFailedError("/x", fmt.Errorf("boom"))))
	assert.True(t, IsLoadError(NewIncompatibleABIError("/x", "a", "b")))
	assert.False(t, IsLoadError(NewFunctionNotFoundError("x")))
}

func TestBadRequestFrom(t *testing.T) {
	req := NewComputeRequest(NewTarget("resize"), map[string]any{"w": "x"})
	original := NewBadRequest("resize", "width must be a number", req)
	err := NewBadRequestDispatchError("resize", original)

	got, ok := BadRequestFrom(err)
	require.True(t, ok)
	assert.Same(t, original, got)
	assert.Equal(t, "resize", got.Sender)
	assert.Equal(t, "width must be a number", got.Message)
	assert.Same(t, req, got.Request)
	assert.Equal(t, "width must be a number", err.UserMessage())

	_, ok = BadRequestFrom(NewExecutionError("resize", fmt.Errorf("boom")))
	assert.False(t, ok)

	got, ok = BadRequestFrom(fmt.Errorf("outer: %w", original))
	require.True(t, ok)
	assert.Same(t, original, got)
}

func TestBadRequestError_Message(t *testing.T) {
	err := NewBadRequest("logger", "data must be an object or string", nil)
	assert.Equal(t, "logger: bad request: data must be an object or string", err.Error())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want StatusCode
	}{
		{"nil", nil, StatusOK},
		{"foreign", fmt.Errorf("x"), StatusInternalError},
		{"not found", NewFunctionNotFoundError("x"), StatusNotFound},
		{"duplicate", NewDuplicateNameError("x"), StatusConflict},
		{"bad request", NewBadRequestDispatchError("x", NewBadRequest("x", "m", nil)), StatusBadRequest},
		{"invalid name", NewInvalidFunctionNameError("", "empty"), StatusBadRequest},
		{"malformed", NewMalformedPayloadError(fmt.Errorf("eof")), StatusBadRequest},
		{"invalid artifact", NewInvalidArtifactError("/x", "not_found", nil), StatusPreconditionFailed},
		{"incompatible", NewIncompatibleABIError("/x", "a", "b"), StatusPreconditionFailed},
		{"timeout", NewDispatchTimeoutError("x", time.Second, context.DeadlineExceeded), StatusGatewayTimeout},
		{"closed", NewRegistryClosedError(), StatusUnavailable},
		{"drain", NewDrainTimeoutError("x", 1, context.DeadlineExceeded), StatusUnavailable},
		{"execution", NewExecutionError("x", fmt.Errorf("boom")), StatusInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor() = %v, want %v", got, tt.want)
			}
		})
	}
}
