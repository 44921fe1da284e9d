// errors.go: structured error definitions for the go-compute host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/agilira/go-errors"
)

// Error codes for the go-compute host
const (
	// Loader errors (1000-1099)
	ErrCodeInvalidArtifact   = "LOAD_1001"
	ErrCodeMissingEntryPoint = "LOAD_1002"
	ErrCodeConstructorFailed = "LOAD_1003"

	// ABI errors (1100-1199)
	ErrCodeIncompatibleABI = "ABI_1101"

	// Registry errors (1200-1299)
	ErrCodeDuplicateName       = "REGISTRY_1201"
	ErrCodeFunctionNotFound    = "REGISTRY_1202"
	ErrCodeInvalidFunctionName = "REGISTRY_1203"
	ErrCodeRegistryClosed      = "REGISTRY_1204"
	ErrCodeDrainTimeout        = "REGISTRY_1205"

	// Dispatch errors (1300-1399)
	ErrCodeBadRequest      = "DISPATCH_1301"
	ErrCodeExecutionFailed = "DISPATCH_1302"
	ErrCodeDispatchTimeout = "DISPATCH_1303"

	// Configuration errors (1400-1499)
	ErrCodeConfigNotFound        = "CONFIG_1401"
	ErrCodeConfigParseError      = "CONFIG_1402"
	ErrCodeConfigValidationError = "CONFIG_1403"
	ErrCodeConfigWatcherError    = "CONFIG_1404"

	// Transport errors (1500-1599)
	ErrCodeHTTPTransportError = "TRANSPORT_1501"
	ErrCodeGRPCTransportError = "TRANSPORT_1502"
	ErrCodeMalformedPayload   = "TRANSPORT_1503"
)

// BadRequestError is returned by a ComputeFunction that rejects its input.
// The dispatcher wraps it into a DISPATCH_1301 error and keeps it reachable
// through BadRequestFrom.
type BadRequestError struct {
	Sender  string
	Message string
	Request *ComputeRequest
}

// NewBadRequest builds the error a function returns for invalid input.
func NewBadRequest(sender, message string, req *ComputeRequest) *BadRequestError {
	return &BadRequestError{Sender: sender, Message: message, Request: req}
}

// Error implements the error interface.
func (e *BadRequestError) Error() string {
	return fmt.Sprintf("%s: bad request: %s", e.Sender, e.Message)
}

// Loader error constructors

func NewInvalidArtifactError(path, reason string, cause error) *errors.Error {
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeInvalidArtifact, "Invalid plugin artifact")
	} else {
		err = errors.New(ErrCodeInvalidArtifact, "Invalid plugin artifact")
	}
	return err.
		WithUserMessage("The artifact could not be opened as a compute plugin").
		WithContext("path", path).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewMissingEntryPointError(path, symbol string, cause error) *errors.Error {
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeMissingEntryPoint, "Missing plugin entry point")
	} else {
		err = errors.New(ErrCodeMissingEntryPoint, "Missing plugin entry point")
	}
	return err.
		WithUserMessage("The artifact does not export the required symbol").
		WithContext("path", path).
		WithContext("symbol", symbol).
		WithSeverity("error")
}

func NewConstructorFailedError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConstructorFailed, "Plugin constructor failed").
		WithUserMessage("The plugin constructor did not produce a function instance").
		WithContext("path", path).
		WithSeverity("error")
}

func NewIncompatibleABIError(path, expected, found string) *errors.Error {
	return errors.New(ErrCodeIncompatibleABI, "Incompatible plugin ABI").
		WithUserMessage("The artifact was built against a different host contract").
		WithContext("path", path).
		WithContext("expected", expected).
		WithContext("found", found).
		WithSeverity("error")
}

// Registry error constructors

func NewDuplicateNameError(name string) *errors.Error {
	return errors.New(ErrCodeDuplicateName, "Function name already registered").
		WithUserMessage("A function with this name is already registered").
		WithContext("function_name", name).
		WithSeverity("warning")
}

func NewFunctionNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodeFunctionNotFound, "Function not found").
		WithUserMessage("No function is registered under the requested name").
		WithContext("function_name", name).
		WithSeverity("warning")
}

func NewInvalidFunctionNameError(name, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidFunctionName, "Invalid function registration").
		WithUserMessage("Function name is required and the handle must be valid").
		WithContext("provided_name", name).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewRegistryClosedError() *errors.Error {
	return errors.New(ErrCodeRegistryClosed, "Registry closed").
		WithUserMessage("The function registry has been shut down").
		WithSeverity("error")
}

func NewDrainTimeoutError(name string, pending int64, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDrainTimeout, "Drain did not complete in time").
		WithUserMessage("In-flight invocations were still running; teardown continues in background").
		WithContext("function_name", name).
		WithContext("pending_invocations", pending).
		WithSeverity("warning").
		AsRetryable()
}

// Dispatch error constructors

func NewBadRequestDispatchError(name string, cause *BadRequestError) *errors.Error {
	return errors.Wrap(cause, ErrCodeBadRequest, "Function rejected request").
		WithUserMessage(cause.Message).
		WithContext("function_name", name).
		WithContext("sender", cause.Sender).
		WithSeverity("warning")
}

func NewExecutionError(name string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeExecutionFailed, "Function execution failed").
		WithUserMessage("The function failed while handling the request").
		WithContext("function_name", name).
		WithSeverity("error")
}

func NewDispatchTimeoutError(name string, timeout time.Duration, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDispatchTimeout, "Function execution timed out").
		WithUserMessage("The function did not respond within the allowed time").
		WithContext("function_name", name).
		WithContext("timeout", timeout.String()).
		WithSeverity("warning").
		AsRetryable()
}

// Configuration error constructors

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be read").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeConfigValidationError, "Configuration validation failed")
	} else {
		err = errors.New(ErrCodeConfigValidationError, "Configuration validation failed")
	}
	return err.
		WithUserMessage(message).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error").
		WithUserMessage(message).
		WithSeverity("error")
}

// Transport error constructors

func NewHTTPTransportError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeHTTPTransportError, "HTTP transport error").
		WithUserMessage(message).
		WithSeverity("error")
}

func NewGRPCTransportError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeGRPCTransportError, "gRPC transport error").
		WithUserMessage(message).
		WithSeverity("error")
}

func NewMalformedPayloadError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeMalformedPayload, "Malformed request payload").
		WithUserMessage("The request body is not valid JSON").
		WithSeverity("warning")
}

// Classification helpers

func hasCode(err error, codes ...string) bool {
	if err == nil {
		return false
	}
	var goErr *errors.Error
	if !stderrors.As(err, &goErr) {
		return false
	}
	for _, code := range codes {
		if string(goErr.Code) == code {
			return true
		}
	}
	return false
}

// ErrorCodeOf returns the structured error code carried by err, or "" for foreign errors.
func ErrorCodeOf(err error) string {
	var goErr *errors.Error
	if stderrors.As(err, &goErr) {
		return string(goErr.Code)
	}
	return ""
}

func IsInvalidArtifact(err error) bool   { return hasCode(err, ErrCodeInvalidArtifact) }
func IsMissingEntryPoint(err error) bool { return hasCode(err, ErrCodeMissingEntryPoint) }
func IsConstructorFailed(err error) bool { return hasCode(err, ErrCodeConstructorFailed) }
func IsIncompatibleABI(err error) bool   { return hasCode(err, ErrCodeIncompatibleABI) }
func IsDuplicateName(err error) bool     { return hasCode(err, ErrCodeDuplicateName) }
func IsNotFound(err error) bool          { return hasCode(err, ErrCodeFunctionNotFound) }
func IsDrainTimeout(err error) bool      { return hasCode(err, ErrCodeDrainTimeout) }
func IsRegistryClosed(err error) bool    { return hasCode(err, ErrCodeRegistryClosed) }
func IsBadRequest(err error) bool        { return hasCode(err, ErrCodeBadRequest) }
func IsExecution(err error) bool         { return hasCode(err, ErrCodeExecutionFailed) }
func IsTimeout(err error) bool           { return hasCode(err, ErrCodeDispatchTimeout) }

// IsLoadError reports whether err came out of the loader.
func IsLoadError(err error) bool {
	return hasCode(err, ErrCodeInvalidArtifact, ErrCodeMissingEntryPoint,
		ErrCodeConstructorFailed, ErrCodeIncompatibleABI)
}

// BadRequestFrom extracts the function's original rejection from a dispatch error.
func BadRequestFrom(err error) (*BadRequestError, bool) {
	var br *BadRequestError
	if stderrors.As(err, &br) {
		return br, true
	}
	var goErr *errors.Error
	if stderrors.As(err, &goErr) && goErr.Cause != nil {
		if stderrors.As(goErr.Cause, &br) {
			return br, true
		}
	}
	return nil, false
}

// StatusFor maps an error to the status a gateway reports for it.
func StatusFor(err error) StatusCode {
	switch ErrorCodeOf(err) {
	case "":
		if err == nil {
			return StatusOK
		}
		return StatusInternalError
	case ErrCodeFunctionNotFound:
		return StatusNotFound
	case ErrCodeDuplicateName:
		return StatusConflict
	case ErrCodeBadRequest, ErrCodeInvalidFunctionName, ErrCodeMalformedPayload,
		ErrCodeConfigValidationError:
		return StatusBadRequest
	case ErrCodeInvalidArtifact, ErrCodeMissingEntryPoint, ErrCodeIncompatibleABI,
		ErrCodeConstructorFailed:
		return StatusPreconditionFailed
	case ErrCodeDispatchTimeout:
		return StatusGatewayTimeout
	case ErrCodeRegistryClosed, ErrCodeDrainTimeout:
		return StatusUnavailable
	default:
		return StatusInternalError
	}
}
