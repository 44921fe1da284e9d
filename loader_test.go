// loader_test.go: Tests for artifact validation and the two-stage ABI check
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	goErr, ok := err.(*errors.Error)
	require.True(t, ok, "expected *errors.Error, got %T", err)
	reason, _ := goErr.Context["reason"].(string)
	return reason
}

func TestLoader_LoadSuccess(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	fn := newTestFunction("resize", echoHandler)
	path := installFunction(t, opener, dir, fn)
	metrics := NewDefaultMetricsCollector()
	logger := NewTestLogger()

	loader := NewLoader(WithOpener(opener), WithLoaderMetrics(metrics), WithLoaderLogger(logger))
	h, err := loader.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "resize", h.FunctionName())
	assert.Equal(t, path, h.Path())
	assert.False(t, h.Builtin())
	assert.Equal(t, HandleAlive, h.State())
	assert.Len(t, h.Digest(), 64)
	assert.Equal(t, int32(1), fn.loads.Load(), "OnLoad runs once after construction")

	digest, err := FileDigest(path)
	require.NoError(t, err)
	assert.Equal(t, digest, h.Digest())

	assert.Equal(t, int64(1), metrics.Counter(MetricLoadsTotal, map[string]string{"outcome": OutcomeSuccess}))
	assert.True(t, logger.HasMessage("INFO", "Plugin loaded"))
}

func TestLoader_ConstructorVariants(t *testing.T) {
	fn := NewFunction("variant", echoHandler)
	plain := func() ComputeFunction { return fn }
	withErr := func() (ComputeFunction, error) { return fn, nil }

	tests := []struct {
		name string
		ctor any
	}{
		{"func", plain},
		{"func with error", withErr},
		{"pointer to func", &plain},
		{"pointer to func with error", &withErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			opener := newFakeOpener()
			path := writeArtifact(t, dir, "variant")
			opener.add(path, contractLibrary(tt.ctor))

			h, err := NewLoader(WithOpener(opener)).Load(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, "variant", h.FunctionName())
		})
	}
}

func TestLoader_ABIMismatchNeverRunsConstructor(t *testing.T) {
	tests := []struct {
		name string
		abi  any
	}{
		{"older revision", "gocompute.contract/v0"},
		{"pointer to older revision", func() any { s := "gocompute.contract/v0"; return &s }()},
		{"wrong type", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			opener := newFakeOpener()
			path := writeArtifact(t, dir, "legacy")

			var called atomic.Bool
			opener.add(path, &fakeLibrary{symbols: map[string]any{
				ABISymbol: tt.abi,
				ConstructorSymbol: func() ComputeFunction {
					called.Store(true)
					return NewFunction("legacy", echoHandler)
				},
			}})

			_, err := NewLoader(WithOpener(opener)).Load(context.Background(), path)
			require.Error(t, err)
			if !IsIncompatibleABI(err) {
				t.Errorf("Expected incompatible ABI error, got %v", err)
			}
			assert.False(t, called.Load(), "constructor must not run for an incompatible artifact")
			assert.Equal(t, "contract", err.(*errors.Error).Context["stage"])
		})
	}
}

func TestLoader_ToolchainMismatchNeverOpens(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	opener.goVersion = "go1.0"
	fn := newTestFunction("old", echoHandler)
	path := installFunction(t, opener, dir, fn)
	metrics := NewDefaultMetricsCollector()

	_, err := NewLoader(WithOpener(opener), WithLoaderMetrics(metrics)).Load(context.Background(), path)
	require.Error(t, err)
	assert.True(t, IsIncompatibleABI(err))
	assert.Equal(t, "toolchain", err.(*errors.Error).Context["stage"])
	assert.Equal(t, 0, opener.openCount(path), "artifact must not be mapped")
	assert.Equal(t, int32(0), fn.loads.Load())
	assert.Equal(t, int64(1), metrics.Counter(MetricLoadsTotal, map[string]string{"outcome": ErrCodeIncompatibleABI}))
}

func TestLoader_HostGoVersionOverride(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	opener.goVersion = "go1.99.0"
	path := installFunction(t, opener, dir, NewFunction("future", echoHandler))

	_, err := NewLoader(WithOpener(opener), WithHostGoVersion("go1.99.0")).Load(context.Background(), path)
	assert.NoError(t, err)
}

func TestLoader_EntryPointFailures(t *testing.T) {
	abi := ContractABI
	fn := NewFunction("broken", echoHandler)

	tests := []struct {
		name     string
		symbols  map[string]any
		classify func(error) bool
	}{
		{
			name:     "missing ABI symbol",
			symbols:  map[string]any{ConstructorSymbol: func() ComputeFunction { return fn }},
			classify: IsMissingEntryPoint,
		},
		{
			name:     "nil ABI pointer",
			symbols:  map[string]any{ABISymbol: (*string)(nil), ConstructorSymbol: func() ComputeFunction { return fn }},
			classify: IsMissingEntryPoint,
		},
		{
			name:     "missing constructor",
			symbols:  map[string]any{ABISymbol: &abi},
			classify: IsMissingEntryPoint,
		},
		{
			name:     "wrong constructor type",
			symbols:  map[string]any{ABISymbol: &abi, ConstructorSymbol: func() string { return "nope" }},
			classify: IsMissingEntryPoint,
		},
		{
			name: "constructor error",
			symbols: map[string]any{ABISymbol: &abi, ConstructorSymbol: func() (ComputeFunction, error) {
				return nil, fmt.Errorf("missing model file")
			}},
			classify: IsConstructorFailed,
		},
		{
			name: "constructor panic",
			symbols: map[string]any{ABISymbol: &abi, ConstructorSymbol: func() ComputeFunction {
				panic("init failed")
			}},
			classify: IsConstructorFailed,
		},
		{
			name:     "constructor returns nil",
			symbols:  map[string]any{ABISymbol: &abi, ConstructorSymbol: func() ComputeFunction { return nil }},
			classify: IsConstructorFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			opener := newFakeOpener()
			path := writeArtifact(t, dir, "broken")
			opener.add(path, &fakeLibrary{symbols: tt.symbols})

			h, err := NewLoader(WithOpener(opener)).Load(context.Background(), path)
			require.Error(t, err)
			assert.Nil(t, h)
			if !tt.classify(err) {
				t.Errorf("Unexpected error class %s: %v", ErrorCodeOf(err), err)
			}
			assert.True(t, IsLoadError(err))
		})
	}
}

type panickingLoadFunction struct {
	ComputeFunction
}

func (panickingLoadFunction) OnLoad() { panic("no config") }

func TestLoader_OnLoadPanic(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	fn := panickingLoadFunction{NewFunction("fragile", echoHandler)}
	path := installFunction(t, opener, dir, fn)

	_, err := NewLoader(WithOpener(opener)).Load(context.Background(), path)
	require.Error(t, err)
	assert.True(t, IsConstructorFailed(err))
	assert.Equal(t, "on_load", err.(*errors.Error).Context["phase"])
}

func TestLoader_OpenErrors(t *testing.T) {
	t.Run("PackageVersionMismatch", func(t *testing.T) {
		dir := t.TempDir()
		opener := newFakeOpener()
		path := writeArtifact(t, dir, "stale")
		opener.openErr = fmt.Errorf(`plugin.Open("stale"): plugin was built with a different version of package example.com/shared`)

		_, err := NewLoader(WithOpener(opener)).Load(context.Background(), path)
		require.Error(t, err)
		assert.True(t, IsIncompatibleABI(err))
		assert.Equal(t, "open", err.(*errors.Error).Context["stage"])
	})

	t.Run("NotAPlugin", func(t *testing.T) {
		dir := t.TempDir()
		opener := newFakeOpener()
		path := writeArtifact(t, dir, "garbage")

		_, err := NewLoader(WithOpener(opener)).Load(context.Background(), path)
		require.Error(t, err)
		assert.True(t, IsInvalidArtifact(err))
		assert.Equal(t, "open_failed", reasonOf(t, err))
	})

	t.Run("Cancelled", func(t *testing.T) {
		dir := t.TempDir()
		opener := newFakeOpener()
		path := installFunction(t, opener, dir, NewFunction("late", echoHandler))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewLoader(WithOpener(opener)).Load(ctx, path)
		require.Error(t, err)
		assert.Equal(t, "cancelled", reasonOf(t, err))
		assert.Equal(t, 0, opener.openCount(path))
	})
}

func TestResolveArtifactPath(t *testing.T) {
	root := t.TempDir()

	single := writeArtifact(t, root, "single")

	onlyDir := filepath.Join(root, "only")
	require.NoError(t, os.MkdirAll(onlyDir, 0o750))
	onlyFile := filepath.Join(onlyDir, "renamed.so")
	require.NoError(t, os.WriteFile(onlyFile, []byte("x"), 0o600))

	ambiguous := filepath.Join(root, "ambiguous")
	require.NoError(t, os.MkdirAll(ambiguous, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(ambiguous, "a.so"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ambiguous, "b.so"), []byte("b"), 0o600))

	empty := filepath.Join(root, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o750))

	tests := []struct {
		name   string
		path   string
		want   string
		reason string
	}{
		{name: "file", path: single, want: single},
		{name: "build directory", path: filepath.Dir(single), want: single},
		{name: "directory with one artifact", path: onlyDir, want: onlyFile},
		{name: "unclean path", path: filepath.Join(root, "single", "..", "single", "single.so"), want: single},
		{name: "empty", path: "  ", reason: "empty_path"},
		{name: "relative", path: "single/single.so", reason: "not_absolute"},
		{name: "missing", path: filepath.Join(root, "nope.so"), reason: "not_found"},
		{name: "ambiguous", path: ambiguous, reason: "ambiguous_directory"},
		{name: "no artifact", path: empty, reason: "no_artifact_in_directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveArtifactPath(tt.path)
			if tt.reason != "" {
				require.Error(t, err)
				assert.True(t, IsInvalidArtifact(err))
				assert.Equal(t, tt.reason, reasonOf(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoader_AllowedDigests(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	path := installFunction(t, opener, dir, NewFunction("signed", echoHandler))
	digest, err := FileDigest(path)
	require.NoError(t, err)

	t.Run("Allowed", func(t *testing.T) {
		loader := NewLoader(WithOpener(opener), WithAllowedDigests(" "+digest+" "))
		_, err := loader.Load(context.Background(), path)
		assert.NoError(t, err)
	})

	t.Run("Rejected", func(t *testing.T) {
		before := opener.openCount(path)
		loader := NewLoader(WithOpener(opener), WithAllowedDigests("deadbeef"))
		_, err := loader.Load(context.Background(), path)
		require.Error(t, err)
		assert.Equal(t, "digest_not_allowed", reasonOf(t, err))
		assert.Equal(t, before, opener.openCount(path))
	})

	t.Run("EmptyListAllowsAll", func(t *testing.T) {
		loader := NewLoader(WithOpener(opener), WithAllowedDigests())
		_, err := loader.Load(context.Background(), path)
		assert.NoError(t, err)
	})

	t.Run("Replaced", func(t *testing.T) {
		loader := NewLoader(WithOpener(opener))
		loader.SetAllowedDigests("deadbeef")
		_, err := loader.Load(context.Background(), path)
		assert.Equal(t, "digest_not_allowed", reasonOf(t, err))

		loader.SetAllowedDigests(strings.ToUpper(digest))
		_, err = loader.Load(context.Background(), path)
		assert.NoError(t, err)
	})
}

func TestLoader_Inspect(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	path := writeArtifact(t, dir, "thumbnail")

	info, err := NewLoader(WithOpener(opener)).Inspect(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, path, info.Path)
	assert.True(t, info.Compatible)
	assert.Equal(t, "example.com/functions", info.ModulePath)
	assert.Equal(t, "plugin", info.Settings["-buildmode"])
	assert.Positive(t, info.Size)
	assert.Equal(t, 0, opener.openCount(path), "inspect must not map the artifact")

	opener.goVersion = "go1.0"
	info, err = NewLoader(WithOpener(opener)).Inspect(path)
	require.NoError(t, err)
	assert.False(t, info.Compatible)
}

func TestCurrentHost(t *testing.T) {
	host := CurrentHost()
	assert.Equal(t, ContractABI, host.Contract)
	assert.NotEmpty(t, host.GoVersion)
	assert.NotEmpty(t, host.GOOS)
	assert.NotEmpty(t, host.GOARCH)
}
