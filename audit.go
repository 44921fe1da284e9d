// audit.go: Audit trail of management operations through Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/go-timecache"
)

// Audit event types.
const (
	AuditFunctionLoaded       = "function_loaded"
	AuditFunctionLoadFailed   = "function_load_failed"
	AuditFunctionRegistered   = "function_registered"
	AuditFunctionReplaced     = "function_replaced"
	AuditFunctionUnregistered = "function_unregistered"
	AuditConfigReloaded       = "config_reloaded"
	AuditConfigReloadFailed   = "config_reload_failed"
	AuditHostShutdown         = "host_shutdown"
)

// Auditor records management events.
type Auditor interface {
	Record(event string, fields map[string]interface{})
	Close() error
}

// NoOpAuditor discards events.
type NoOpAuditor struct{}

func (NoOpAuditor) Record(string, map[string]interface{}) {}
func (NoOpAuditor) Close() error                          { return nil }

// ArgusAuditor writes events to an Argus audit log.
type ArgusAuditor struct {
	logger *argus.AuditLogger
	events atomic.Int64
}

// NewArgusAuditor opens an audit log at outputFile, creating its directory.
func NewArgusAuditor(outputFile string) (*ArgusAuditor, error) {
	if err := os.MkdirAll(filepath.Dir(outputFile), 0750); err != nil {
		return nil, NewConfigValidationError("failed to create audit directory", err)
	}

	auditLogger, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    outputFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		IncludeStack:  false,
	})
	if err != nil {
		return nil, NewConfigValidationError("failed to create audit logger", err)
	}
	return &ArgusAuditor{logger: auditLogger}, nil
}

// Record implements Auditor.
func (a *ArgusAuditor) Record(event string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = "gocompute"
	fields["timestamp"] = timecache.CachedTime().Format(time.RFC3339)
	a.events.Add(1)
	a.logger.LogSecurityEvent(event, "Compute host management event", fields)
}

// Events returns how many events were recorded.
func (a *ArgusAuditor) Events() int64 {
	return a.events.Load()
}

// Close flushes and closes the audit log.
func (a *ArgusAuditor) Close() error {
	return a.logger.Close()
}
