// config_watcher.go: Hot reload of the host configuration using Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcher keeps a Host in sync with a configuration file.
//
// Start loads the file, applies it and begins polling with Argus. Every
// change is loaded, validated and applied through Host.Apply; an invalid file
// leaves the running configuration in place, and a function that fails to
// load never stops the watcher. Stop is final.
type ConfigWatcher struct {
	host       *Host
	watcher    *argus.Watcher
	configPath string
	logger     Logger

	enabled       atomic.Bool
	mu            sync.Mutex
	currentConfig atomic.Pointer[HostConfig]
	reloads       atomic.Int64
	failures      atomic.Int64

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewConfigWatcher creates a watcher for configPath polling at pollInterval.
func NewConfigWatcher(host *Host, configPath string, pollInterval time.Duration) *ConfigWatcher {
	if pollInterval <= 0 {
		pollInterval = DefaultWatchPollInterval
	}
	logger := host.Logger().With("component", "config_watcher")

	watcher := argus.New(argus.Config{
		PollInterval:         pollInterval,
		CacheTTL:             pollInterval / 2,
		MaxWatchedFiles:      4,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			logger.Error("Argus file watching error", "error", err, "file", filepath)
		},
	})

	return &ConfigWatcher{
		host:       host,
		watcher:    watcher,
		configPath: configPath,
		logger:     logger,
	}
}

// Start applies the current file and begins watching it. It fails only when
// the file cannot be loaded, the host is shut down or Argus cannot watch.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", fmt.Errorf("stopped"))
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", fmt.Errorf("already running"))
	}

	cfg, err := LoadConfigFromFile(cw.configPath)
	if err != nil {
		cw.enabled.Store(false)
		return err
	}
	if err := cw.apply(ctx, cfg); err != nil && IsRegistryClosed(err) {
		cw.enabled.Store(false)
		return err
	}

	if err := cw.watcher.Watch(cw.configPath, cw.handleConfigChange); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.enabled.Store(false)
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}

	cw.logger.Info("Configuration watcher started", "config_path", cw.configPath)
	return nil
}

// Stop stops watching. Only the first call does anything.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()

		cw.stopped.Store(true)
		if !cw.enabled.CompareAndSwap(true, false) {
			return
		}
		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped")
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (cw *ConfigWatcher) IsRunning() bool {
	return cw.enabled.Load()
}

// CurrentConfig returns the last successfully applied configuration.
func (cw *ConfigWatcher) CurrentConfig() *HostConfig {
	return cw.currentConfig.Load()
}

// Reloads returns how many reloads were applied and how many failed.
func (cw *ConfigWatcher) Reloads() (applied, failed int64) {
	return cw.reloads.Load(), cw.failures.Load()
}

func (cw *ConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	cw.logger.Info("Configuration file change detected",
		"path", event.Path,
		"mod_time", event.ModTime,
		"size", event.Size,
		"is_delete", event.IsDelete)

	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current configuration", "path", event.Path)
		return
	}
	cw.Reload(context.Background())
}

// Reload reads the file and applies it immediately.
func (cw *ConfigWatcher) Reload(ctx context.Context) {
	cfg, err := LoadConfigFromFile(cw.configPath)
	if err != nil {
		cw.failures.Add(1)
		cw.logger.Error("Failed to load new configuration", "error", err, "path", cw.configPath)
		cw.host.auditor.Record(AuditConfigReloadFailed, map[string]interface{}{
			"path":  cw.configPath,
			"error": err.Error(),
		})
		return
	}

	if err := cw.apply(ctx, cfg); err == nil {
		cw.reloads.Add(1)
	}
}

// apply hands cfg to the host and records the outcome. Functions that fail
// to load are logged and audited; the rest of cfg stays applied and becomes
// the current configuration.
func (cw *ConfigWatcher) apply(ctx context.Context, cfg HostConfig) error {
	result, err := cw.host.Apply(ctx, cfg)
	if err != nil {
		cw.failures.Add(1)
		cw.logger.Error("Configuration applied with errors", "error", err)
		cw.host.auditor.Record(AuditConfigReloadFailed, map[string]interface{}{
			"path":  cw.configPath,
			"error": err.Error(),
		})
		if IsRegistryClosed(err) {
			return err
		}
	}
	cw.currentConfig.Store(&cfg)

	cw.host.auditor.Record(AuditConfigReloaded, map[string]interface{}{
		"path":     cw.configPath,
		"added":    result.Added,
		"replaced": result.Replaced,
		"removed":  result.Removed,
	})
	return err
}
