// loader.go: Plugin loading with two-stage ABI validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// ArtifactExtension is the file extension of compiled function artifacts.
const ArtifactExtension = ".so"

// loaderConfig holds configuration for the Loader.
type loaderConfig struct {
	opener         ArtifactOpener
	logger         Logger
	metrics        MetricsCollector
	allowedDigests map[string]struct{}
	hostGoVersion  string
}

// LoaderOption configures the Loader.
type LoaderOption func(*loaderConfig)

// WithOpener replaces the artifact opener. Tests use it to load in-process fakes.
func WithOpener(o ArtifactOpener) LoaderOption {
	return func(c *loaderConfig) {
		c.opener = o
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(l Logger) LoaderOption {
	return func(c *loaderConfig) {
		c.logger = l
	}
}

// WithLoaderMetrics sets the collector that receives load outcomes.
func WithLoaderMetrics(m MetricsCollector) LoaderOption {
	return func(c *loaderConfig) {
		c.metrics = m
	}
}

// WithAllowedDigests restricts loading to artifacts whose SHA-256 (hex) is listed.
// An empty list allows every artifact.
func WithAllowedDigests(digests ...string) LoaderOption {
	return func(c *loaderConfig) {
		c.allowedDigests = digestSet(digests)
	}
}

func digestSet(digests []string) map[string]struct{} {
	if len(digests) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		set[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return set
}

// WithHostGoVersion overrides the toolchain version artifacts are checked against.
func WithHostGoVersion(v string) LoaderOption {
	return func(c *loaderConfig) {
		c.hostGoVersion = v
	}
}

// Loader turns compiled artifacts into PluginHandles. It never touches a
// registry; registering the handle is the caller's decision.
//
// Loading runs in this order and stops at the first failure:
//  1. resolve and validate the path (absolute, existing, single artifact)
//  2. hash the artifact and check it against the digest allow-list
//  3. compare the embedded Go toolchain version with the host's
//  4. map the artifact
//  5. compare the exported ComputeABI with ContractABI
//  6. look up and call NewComputeFunction, then fire OnLoad
//
// Steps 1-3 run no plugin code. Step 5 always precedes the constructor.
type Loader struct {
	config  loaderConfig
	allowed atomic.Pointer[map[string]struct{}]
}

// NewLoader creates a Loader backed by the Go plugin runtime unless an
// opener is supplied.
func NewLoader(opts ...LoaderOption) *Loader {
	cfg := loaderConfig{
		opener:        GoPluginOpener{},
		logger:        NewNoOpLogger(),
		metrics:       NoOpMetricsCollector{},
		hostGoVersion: runtime.Version(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Loader{config: cfg}
	l.allowed.Store(&cfg.allowedDigests)
	return l
}

// SetAllowedDigests replaces the digest allow-list. Loads already past the
// digest check are not affected. An empty list allows every artifact.
func (l *Loader) SetAllowedDigests(digests ...string) {
	set := digestSet(digests)
	l.allowed.Store(&set)
}

// Load validates and maps the artifact at path and constructs its function.
func (l *Loader) Load(ctx context.Context, path string) (*PluginHandle, error) {
	logger := l.config.logger.With("path", path)

	h, err := l.load(ctx, path)
	if err != nil {
		l.config.metrics.IncrementCounter(MetricLoadsTotal, map[string]string{"outcome": ErrorCodeOf(err)}, 1)
		logger.Warn("Plugin load failed", "error", err, "code", ErrorCodeOf(err))
		return nil, err
	}

	l.config.metrics.IncrementCounter(MetricLoadsTotal, map[string]string{"outcome": OutcomeSuccess}, 1)
	logger.Info("Plugin loaded",
		"function", h.FunctionName(),
		"digest", h.Digest(),
		"go_version", h.info.GoVersion)
	return h, nil
}

func (l *Loader) load(ctx context.Context, path string) (*PluginHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewInvalidArtifactError(path, "cancelled", err)
	}

	info, err := l.inspect(path)
	if err != nil {
		return nil, err
	}
	if !info.Compatible {
		return nil, NewIncompatibleABIError(info.Path, l.config.hostGoVersion, info.GoVersion).
			WithContext("stage", "toolchain")
	}
	if err := ctx.Err(); err != nil {
		return nil, NewInvalidArtifactError(info.Path, "cancelled", err)
	}

	lib, err := l.config.opener.Open(info.Path)
	if err != nil {
		if isPackageVersionMismatch(err) {
			return nil, NewIncompatibleABIError(info.Path, l.config.hostGoVersion, info.GoVersion).
				WithContext("stage", "open").
				WithContext("detail", err.Error())
		}
		return nil, NewInvalidArtifactError(info.Path, "open_failed", err)
	}

	if err := checkContractABI(info.Path, lib); err != nil {
		return nil, err
	}

	fn, err := construct(info.Path, lib)
	if err != nil {
		return nil, err
	}

	h := newPluginHandle(*info, lib, fn, l.config.logger)
	if hook, ok := fn.(LoadHook); ok {
		if err := callRecovered(func() error { hook.OnLoad(); return nil }); err != nil {
			return nil, NewConstructorFailedError(info.Path, err).WithContext("phase", "on_load")
		}
	}
	return h, nil
}

// Inspect reads the artifact's metadata and reports whether this host could
// load it. No plugin code runs.
func (l *Loader) Inspect(path string) (*ArtifactInfo, error) {
	return l.inspect(path)
}

func (l *Loader) inspect(path string) (*ArtifactInfo, error) {
	resolved, err := ResolveArtifactPath(path)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(resolved)
	if err != nil {
		return nil, NewInvalidArtifactError(resolved, "stat_failed", err)
	}

	digest, err := fileDigest(resolved)
	if err != nil {
		return nil, NewInvalidArtifactError(resolved, "unreadable", err)
	}
	if allowed := *l.allowed.Load(); allowed != nil {
		if _, ok := allowed[digest]; !ok {
			return nil, NewInvalidArtifactError(resolved, "digest_not_allowed", nil).
				WithContext("digest", digest)
		}
	}

	bi, err := l.config.opener.ReadBuildInfo(resolved)
	if err != nil {
		return nil, NewInvalidArtifactError(resolved, "no_build_info", err)
	}

	return &ArtifactInfo{
		Path:       resolved,
		Digest:     digest,
		Size:       stat.Size(),
		ModTime:    stat.ModTime(),
		GoVersion:  bi.GoVersion,
		ModulePath: bi.ModulePath,
		MainPath:   bi.MainPath,
		Settings:   bi.Settings,
		Compatible: bi.GoVersion == l.config.hostGoVersion,
	}, nil
}

// ResolveArtifactPath validates path and, when it names a build output
// directory, returns the artifact inside it. A directory resolves to
// <dir>/<basename>.so if present, otherwise to its only *.so file.
func ResolveArtifactPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", NewInvalidArtifactError(path, "empty_path", nil)
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return "", NewInvalidArtifactError(path, "not_absolute", nil)
	}

	stat, err := os.Stat(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewInvalidArtifactError(cleaned, "not_found", err)
		}
		return "", NewInvalidArtifactError(cleaned, "stat_failed", err)
	}
	if !stat.IsDir() {
		if !stat.Mode().IsRegular() {
			return "", NewInvalidArtifactError(cleaned, "not_regular_file", nil)
		}
		return cleaned, nil
	}

	preferred := filepath.Join(cleaned, filepath.Base(cleaned)+ArtifactExtension)
	if st, err := os.Stat(preferred); err == nil && st.Mode().IsRegular() {
		return preferred, nil
	}

	matches, err := filepath.Glob(filepath.Join(cleaned, "*"+ArtifactExtension))
	if err != nil {
		return "", NewInvalidArtifactError(cleaned, "glob_failed", err)
	}
	switch len(matches) {
	case 0:
		return "", NewInvalidArtifactError(cleaned, "no_artifact_in_directory", nil)
	case 1:
		return matches[0], nil
	default:
		return "", NewInvalidArtifactError(cleaned, "ambiguous_directory", nil).
			WithContext("candidates", matches)
	}
}

// FileDigest returns the hex SHA-256 of the file at path.
func FileDigest(path string) (string, error) {
	return fileDigest(path)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path validated by ResolveArtifactPath
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isPackageVersionMismatch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "different version of package") ||
		strings.Contains(msg, "was built with a different version")
}

func checkContractABI(path string, lib Library) error {
	sym, err := lib.Lookup(ABISymbol)
	if err != nil {
		return NewMissingEntryPointError(path, ABISymbol, err)
	}

	var found string
	switch v := sym.(type) {
	case *string:
		if v == nil {
			return NewMissingEntryPointError(path, ABISymbol, nil)
		}
		found = *v
	case string:
		found = v
	default:
		return NewIncompatibleABIError(path, ContractABI, fmt.Sprintf("%T", sym)).
			WithContext("stage", "contract")
	}

	if found != ContractABI {
		return NewIncompatibleABIError(path, ContractABI, found).WithContext("stage", "contract")
	}
	return nil
}

func construct(path string, lib Library) (ComputeFunction, error) {
	sym, err := lib.Lookup(ConstructorSymbol)
	if err != nil {
		return nil, NewMissingEntryPointError(path, ConstructorSymbol, err)
	}

	var ctor func() (ComputeFunction, error)
	switch c := sym.(type) {
	case func() ComputeFunction:
		ctor = func() (ComputeFunction, error) { return c(), nil }
	case func() (ComputeFunction, error):
		ctor = c
	case *func() ComputeFunction:
		ctor = func() (ComputeFunction, error) { return (*c)(), nil }
	case *func() (ComputeFunction, error):
		ctor = *c
	default:
		return nil, NewMissingEntryPointError(path, ConstructorSymbol, nil).
			WithContext("found_type", fmt.Sprintf("%T", sym))
	}

	var fn ComputeFunction
	err = callRecovered(func() error {
		var cerr error
		fn, cerr = ctor()
		return cerr
	})
	if err != nil {
		return nil, NewConstructorFailedError(path, err)
	}
	if fn == nil {
		return nil, NewConstructorFailedError(path, fmt.Errorf("constructor returned a nil function"))
	}
	return fn, nil
}
