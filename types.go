// types.go: Request, response and status types of the compute function contract
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"fmt"
	"net/http"
)

// StatusCode is the outcome a function reports in its response. Values are
// HTTP status codes so gateways can forward them untouched.
type StatusCode int

const (
	StatusUnknown            StatusCode = 0
	StatusOK                 StatusCode = http.StatusOK
	StatusBadRequest         StatusCode = http.StatusBadRequest
	StatusNotFound           StatusCode = http.StatusNotFound
	StatusConflict           StatusCode = http.StatusConflict
	StatusPreconditionFailed StatusCode = http.StatusPreconditionFailed
	StatusInternalError      StatusCode = http.StatusInternalServerError
	StatusUnavailable        StatusCode = http.StatusServiceUnavailable
	StatusGatewayTimeout     StatusCode = http.StatusGatewayTimeout
)

// String returns a human-readable representation of the status.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusNotFound:
		return "not_found"
	case StatusConflict:
		return "conflict"
	case StatusPreconditionFailed:
		return "precondition_failed"
	case StatusInternalError:
		return "internal_error"
	case StatusUnavailable:
		return "unavailable"
	case StatusGatewayTimeout:
		return "gateway_timeout"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status_%d", int(s))
	}
}

// HTTPStatus returns the status as an HTTP code. Unknown and out-of-range
// values map to 418, following the convention for unrecognized outcomes.
func (s StatusCode) HTTPStatus() int {
	if s < 100 || s > 599 {
		return http.StatusTeapot
	}
	return int(s)
}

// IsSuccess reports whether the status is in the 2xx range.
func (s StatusCode) IsSuccess() bool {
	return s >= 200 && s < 300
}

// ComputeRequest is an immutable request addressed to a single function.
// The payload is a JSON-like tree: nil, bool, float64, json.Number, string,
// []any or map[string]any. Constructors copy the target and payload so the
// caller cannot mutate a request after it has been handed to the dispatcher.
type ComputeRequest struct {
	target  Target
	payload any
}

// NewComputeRequest builds a request for target carrying payload.
func NewComputeRequest(target Target, payload any) *ComputeRequest {
	return &ComputeRequest{
		target:  target.clone(),
		payload: copyPayload(payload),
	}
}

// Target returns the addressed function and its sub-path and query.
func (r *ComputeRequest) Target() Target {
	return r.target.clone()
}

// FunctionName is a shortcut for Target().Name.
func (r *ComputeRequest) FunctionName() string {
	return r.target.Name
}

// Payload returns a copy of the request payload.
func (r *ComputeRequest) Payload() any {
	return copyPayload(r.payload)
}

// String renders the request for logs.
func (r *ComputeRequest) String() string {
	return fmt.Sprintf("ComputeRequest{target=%s}", r.target.String())
}

// ComputeResponse is the result of a successful invocation.
type ComputeResponse struct {
	Status StatusCode `json:"status"`
	Data   any        `json:"data,omitempty"`
}

// NoContent returns an OK response without data.
func NoContent() *ComputeResponse {
	return &ComputeResponse{Status: StatusOK}
}

// JSON returns an OK response carrying data.
func JSON(data any) *ComputeResponse {
	return &ComputeResponse{Status: StatusOK, Data: data}
}

// WithStatus returns a response with an explicit status and optional data.
func WithStatus(status StatusCode, data any) *ComputeResponse {
	return &ComputeResponse{Status: status, Data: data}
}

// HasData reports whether the response carries a payload.
func (r *ComputeResponse) HasData() bool {
	return r != nil && r.Data != nil
}

func copyPayload(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyPayload(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyPayload(val)
		}
		return out
	default:
		return v
	}
}
