// builtins.go: In-process functions shipped with the host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"sort"
	"strings"
)

// Builtin function names.
const (
	BuiltinLogger = "logger"
	BuiltinEcho   = "echo"
)

// LogLevel is a level understood by the logger builtin.
type LogLevel int

const (
	LogLevelUnknown LogLevel = iota
	LogLevelTrace
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel accepts full names and single-letter abbreviations in any case.
// Unrecognized input yields LogLevelUnknown.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "t":
		return LogLevelTrace
	case "debug", "d":
		return LogLevelDebug
	case "info", "i":
		return LogLevelInfo
	case "warn", "w", "warning":
		return LogLevelWarn
	case "error", "e":
		return LogLevelError
	default:
		return LogLevelUnknown
	}
}

// String returns a human-readable representation of the level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	levelKeys   = []string{"level", "lvl", "l"}
	messageKeys = []string{"message", "msg", "m", "text", "log"}
	senderKeys  = []string{"sender", "s", "app", "self", "this"}
)

// FirstString returns the first string value found in obj under any of keys.
func FirstString(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// NewLoggerFunction returns the logger builtin. It writes its payload to
// logger and replies with NoContent.
//
// A string payload is logged at info level. An object payload may carry a
// level, a message, a sender and arbitrary data; each of the first three is
// looked up under several aliases (for example "msg" or "text" for the
// message). Any other payload is rejected as a bad request.
func NewLoggerFunction(logger Logger) ComputeFunction {
	return NewFunction(BuiltinLogger, func(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
		switch data := req.Payload().(type) {
		case string:
			logger.Info(data, "source", BuiltinLogger)
			return NoContent(), nil

		case map[string]any:
			levelName, _ := FirstString(data, levelKeys...)
			msg, _ := FirstString(data, messageKeys...)
			sender, _ := FirstString(data, senderKeys...)

			args := []any{"source", BuiltinLogger}
			if sender != "" {
				args = append(args, "sender", sender)
			}
			if extra, ok := data["data"]; ok {
				args = append(args, "data", extra)
			}
			emit(logger, ParseLogLevel(levelName), msg, args)
			return NoContent(), nil

		default:
			return nil, NewBadRequest(BuiltinLogger, "data must be an object or string", req)
		}
	})
}

func emit(logger Logger, level LogLevel, msg string, args []any) {
	switch level {
	case LogLevelInfo:
		logger.Info(msg, args...)
	case LogLevelWarn:
		logger.Warn(msg, args...)
	case LogLevelError:
		logger.Error(msg, args...)
	default:
		// Logger has no trace level; trace and unknown fall back to debug.
		logger.Debug(msg, append(args, "level", level.String())...)
	}
}

// NewEchoFunction returns the echo builtin, which replies with the request
// payload and, when present, the target's sub-path and query.
func NewEchoFunction() ComputeFunction {
	return NewFunction(BuiltinEcho, func(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
		target := req.Target()
		if len(target.Path) == 0 && len(target.Query) == 0 {
			return JSON(req.Payload()), nil
		}
		out := map[string]any{"data": req.Payload()}
		if len(target.Path) > 0 {
			path := make([]any, len(target.Path))
			for i, p := range target.Path {
				path[i] = p
			}
			out["path"] = path
		}
		if len(target.Query) > 0 {
			query := make(map[string]any, len(target.Query))
			for k, v := range target.Query {
				query[k] = v
			}
			out["query"] = query
		}
		return JSON(out), nil
	})
}

// BuiltinNames lists the builtins the host can register, sorted.
func BuiltinNames() []string {
	names := []string{BuiltinLogger, BuiltinEcho}
	sort.Strings(names)
	return names
}

func newBuiltin(name string, logger Logger) (ComputeFunction, bool) {
	switch name {
	case BuiltinLogger:
		return NewLoggerFunction(logger), true
	case BuiltinEcho:
		return NewEchoFunction(), true
	default:
		return nil, false
	}
}
