// target.go: Function addressing
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"net/url"
	"strings"

	"github.com/agilira/go-errors"
)

// Target names the function a request is for. Path and Query are passed to
// the function untouched; only Name takes part in routing.
type Target struct {
	Name  string            `json:"name"`
	Path  []string          `json:"path,omitempty"`
	Query map[string]string `json:"query,omitempty"`
}

// NewTarget builds a target for name with optional sub-path segments.
func NewTarget(name string, path ...string) Target {
	return Target{Name: name, Path: path}
}

// WithQuery returns a copy of t with key set to value.
func (t Target) WithQuery(key, value string) Target {
	out := t.clone()
	if out.Query == nil {
		out.Query = make(map[string]string)
	}
	out.Query[key] = value
	return out
}

// ParseTarget parses a URI-like address such as "resize/thumb/64?format=png".
// The first path segment is the function name. Repeated query keys keep the
// first value.
func ParseTarget(raw string) (Target, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return Target{}, errors.New(ErrCodeInvalidFunctionName, "Empty target").
			WithUserMessage("A target must start with a function name").
			WithContext("target", raw)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return Target{}, errors.Wrap(err, ErrCodeInvalidFunctionName, "Malformed target").
			WithUserMessage("The target could not be parsed").
			WithContext("target", raw)
	}

	segments := splitPath(u.Path)
	if len(segments) == 0 {
		return Target{}, errors.New(ErrCodeInvalidFunctionName, "Empty target").
			WithUserMessage("A target must start with a function name").
			WithContext("target", raw)
	}

	t := Target{Name: segments[0]}
	if len(segments) > 1 {
		t.Path = segments[1:]
	}
	if values := u.Query(); len(values) > 0 {
		t.Query = make(map[string]string, len(values))
		for k, v := range values {
			if len(v) > 0 {
				t.Query[k] = v[0]
			} else {
				t.Query[k] = ""
			}
		}
	}
	return t, nil
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// String renders the target back into its URI-like form.
func (t Target) String() string {
	var b strings.Builder
	b.WriteString(t.Name)
	for _, seg := range t.Path {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	if len(t.Query) > 0 {
		values := url.Values{}
		for k, v := range t.Query {
			values.Set(k, v)
		}
		b.WriteByte('?')
		b.WriteString(values.Encode())
	}
	return b.String()
}

func (t Target) clone() Target {
	out := Target{Name: t.Name}
	if t.Path != nil {
		out.Path = append([]string(nil), t.Path...)
	}
	if t.Query != nil {
		out.Query = make(map[string]string, len(t.Query))
		for k, v := range t.Query {
			out.Query[k] = v
		}
	}
	return out
}
