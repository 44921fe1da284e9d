// config_watcher_test.go: Tests for configuration hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agilira/argus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func functionsYAML(builtins []string, fns map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "builtins: [%s]\n", strings.Join(builtins, ", "))
	if len(fns) == 0 {
		b.WriteString("functions: []\n")
		return b.String()
	}
	b.WriteString("functions:\n")
	for name, path := range fns {
		fmt.Fprintf(&b, "  - name: %s\n    path: %s\n", name, path)
	}
	return b.String()
}

func TestConfigWatcher_StartAppliesFile(t *testing.T) {
	f := newHostFixture(t, DefaultHostConfig())
	path := installFunction(t, f.opener, f.dir, newTestFunction("resize", echoHandler))
	cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML([]string{"echo"}, map[string]string{"resize": path}))

	cw := NewConfigWatcher(f.host, cfgPath, 50*time.Millisecond)
	require.NoError(t, cw.Start(context.Background()))
	defer func() { _ = cw.Stop() }()

	assert.True(t, cw.IsRunning())
	assert.Equal(t, []string{"echo", "resize"}, f.host.List())
	require.NotNil(t, cw.CurrentConfig())
	assert.Len(t, cw.CurrentConfig().Functions, 1)

	err := cw.Start(context.Background())
	assert.Equal(t, ErrCodeConfigWatcherError, ErrorCodeOf(err), "second start fails")
}

func TestConfigWatcher_StartKeepsWatchingAfterLoadFailure(t *testing.T) {
	f := newHostFixture(t, DefaultHostConfig())
	path := installFunction(t, f.opener, f.dir, newTestFunction("resize", echoHandler))
	cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML([]string{"echo"}, map[string]string{
		"resize": path,
		"broken": "/does/not/exist.so",
	}))

	cw := NewConfigWatcher(f.host, cfgPath, 50*time.Millisecond)
	require.NoError(t, cw.Start(context.Background()))
	defer func() { _ = cw.Stop() }()

	assert.True(t, cw.IsRunning())
	assert.Equal(t, []string{"echo", "resize"}, f.host.List())
	require.NotNil(t, cw.CurrentConfig())
	assert.Len(t, cw.CurrentConfig().Functions, 2)
	assert.True(t, f.auditor.has(AuditConfigReloadFailed))
	_, failed := cw.Reloads()
	assert.Equal(t, int64(1), failed)
}

func TestConfigWatcher_StartFailures(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		f := newHostFixture(t, DefaultHostConfig())
		cw := NewConfigWatcher(f.host, "/does/not/exist.yaml", 0)
		err := cw.Start(context.Background())
		assert.Equal(t, ErrCodeConfigNotFound, ErrorCodeOf(err))
		assert.False(t, cw.IsRunning())
	})

	t.Run("AfterStop", func(t *testing.T) {
		f := newHostFixture(t, DefaultHostConfig())
		cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML(nil, nil))
		cw := NewConfigWatcher(f.host, cfgPath, 0)
		require.NoError(t, cw.Stop())

		err := cw.Start(context.Background())
		assert.Equal(t, ErrCodeConfigWatcherError, ErrorCodeOf(err))
	})
}

func TestConfigWatcher_Reload(t *testing.T) {
	f := newHostFixture(t, DefaultHostConfig())
	resize := installFunction(t, f.opener, f.dir, newTestFunction("resize", echoHandler))
	crop := installFunction(t, f.opener, f.dir, newTestFunction("crop", echoHandler))
	cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML(nil, map[string]string{"resize": resize}))

	cw := NewConfigWatcher(f.host, cfgPath, time.Hour)
	require.NoError(t, cw.Start(context.Background()))
	defer func() { _ = cw.Stop() }()

	writeConfig(t, filepath.Dir(cfgPath), "host.yaml", functionsYAML(nil, map[string]string{"crop": crop}))
	cw.Reload(context.Background())

	assert.Equal(t, []string{"crop"}, f.host.List())
	applied, failed := cw.Reloads()
	assert.Equal(t, int64(1), applied)
	assert.Equal(t, int64(0), failed)
	assert.True(t, f.auditor.has(AuditConfigReloaded))

	t.Run("InvalidFileKeepsRunningConfig", func(t *testing.T) {
		writeConfig(t, filepath.Dir(cfgPath), "host.yaml", "builtins: [shell]\n")
		cw.Reload(context.Background())

		assert.Equal(t, []string{"crop"}, f.host.List())
		_, failed := cw.Reloads()
		assert.Equal(t, int64(1), failed)
		assert.True(t, f.auditor.has(AuditConfigReloadFailed))
		assert.Equal(t, "crop", cw.CurrentConfig().Functions[0].Name)
	})
}

func TestConfigWatcher_DetectsChanges(t *testing.T) {
	f := newHostFixture(t, DefaultHostConfig())
	cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML(nil, nil))

	cw := NewConfigWatcher(f.host, cfgPath, 50*time.Millisecond)
	require.NoError(t, cw.Start(context.Background()))
	defer func() { _ = cw.Stop() }()

	// Ensure the modification time moves on filesystems with coarse timestamps.
	time.Sleep(1100 * time.Millisecond)
	writeConfig(t, filepath.Dir(cfgPath), "host.yaml", functionsYAML([]string{"echo", "logger"}, nil))

	eventually(t, 5*time.Second, func() bool {
		return f.host.Registry().Contains("echo") && f.host.Registry().Contains("logger")
	}, "configuration change was not applied")
}

func TestConfigWatcher_IgnoresDelete(t *testing.T) {
	f := newHostFixture(t, DefaultHostConfig())
	cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML([]string{"echo"}, nil))

	cw := NewConfigWatcher(f.host, cfgPath, time.Hour)
	require.NoError(t, cw.Start(context.Background()))
	defer func() { _ = cw.Stop() }()

	cw.handleConfigChange(argus.ChangeEvent{Path: cfgPath, IsDelete: true})
	applied, failed := cw.Reloads()
	assert.Zero(t, applied)
	assert.Zero(t, failed)
	assert.True(t, f.host.Registry().Contains("echo"))
}

func TestConfigWatcher_StopIsFinal(t *testing.T) {
	f := newHostFixture(t, DefaultHostConfig())
	cfgPath := writeConfig(t, t.TempDir(), "host.yaml", functionsYAML(nil, nil))

	cw := NewConfigWatcher(f.host, cfgPath, time.Hour)
	require.NoError(t, cw.Start(context.Background()))
	require.NoError(t, cw.Stop())
	assert.False(t, cw.IsRunning())
	assert.NoError(t, cw.Stop())
}
