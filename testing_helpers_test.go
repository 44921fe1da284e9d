// testing_helpers_test.go: Fake artifacts and functions shared by the tests
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
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLibrary stands in for a mapped plugin.
type fakeLibrary struct {
	symbols map[string]any
}

func (l *fakeLibrary) Lookup(symbol string) (any, error) {
	if sym, ok := l.symbols[symbol]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("plugin: symbol %s not found in plugin", symbol)
}

// contractLibrary exports the current ABI tag and ctor as the constructor.
func contractLibrary(ctor any) *fakeLibrary {
	abi := ContractABI
	return &fakeLibrary{symbols: map[string]any{
		ABISymbol:         &abi,
		ConstructorSymbol: ctor,
	}}
}

// fakeOpener serves fake libraries for artifact paths written by writeArtifact.
type fakeOpener struct {
	mu        sync.Mutex
	goVersion string
	libs      map[string]*fakeLibrary
	openErr   error
	opened    map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		goVersion: runtime.Version(),
		libs:      make(map[string]*fakeLibrary),
		opened:    make(map[string]int),
	}
}

func (o *fakeOpener) add(path string, lib *fakeLibrary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.libs[path] = lib
}

func (o *fakeOpener) ReadBuildInfo(path string) (*BuildInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &BuildInfo{
		GoVersion:  o.goVersion,
		ModulePath: "example.com/functions",
		MainPath:   "example.com/functions/" + filepath.Base(path),
		Settings:   map[string]string{"-buildmode": "plugin"},
	}, nil
}

func (o *fakeOpener) Open(path string) (Library, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened[path]++
	if o.openErr != nil {
		return nil, o.openErr
	}
	lib, ok := o.libs[path]
	if !ok {
		return nil, fmt.Errorf("plugin.Open(%q): not a plugin", path)
	}
	return lib, nil
}

func (o *fakeOpener) openCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[path]
}

var artifactSeq atomic.Int64

// writeArtifact creates <dir>/<name>/<name>.so with unique contents.
func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	artifactDir := filepath.Join(dir, name)
	if err := os.MkdirAll(artifactDir, 0o750); err != nil {
		t.Fatalf("Failed to create artifact dir: %v", err)
	}
	path := filepath.Join(artifactDir, name+ArtifactExtension)
	content := fmt.Sprintf("artifact %s #%d", name, artifactSeq.Add(1))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	return path
}

// installFunction writes an artifact for fn and registers a library for it.
func installFunction(t *testing.T, opener *fakeOpener, dir string, fn ComputeFunction) string {
	t.Helper()
	path := writeArtifact(t, dir, fn.Name())
	opener.add(path, contractLibrary(func() ComputeFunction { return fn }))
	return path
}

// testFunction is a ComputeFunction with lifecycle counters.
type testFunction struct {
	name    string
	handler HandlerFunc
	loads   atomic.Int32
	unloads atomic.Int32
}

func newTestFunction(name string, handler HandlerFunc) *testFunction {
	return &testFunction{name: name, handler: handler}
}

func (f *testFunction) Name() string { return f.name }

func (f *testFunction) ReceiveRequest(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
	return f.handler(ctx, req)
}

func (f *testFunction) OnLoad()   { f.loads.Add(1) }
func (f *testFunction) OnUnload() { f.unloads.Add(1) }

// echoHandler returns the request payload.
func echoHandler(_ context.Context, req *ComputeRequest) (*ComputeResponse, error) {
	return JSON(req.Payload()), nil
}

// blockingFunction blocks every invocation until release is closed.
type blockingFunction struct {
	*testFunction
	started chan struct{}
	release chan struct{}
	done    atomic.Int32
}

func newBlockingFunction(name string) *blockingFunction {
	b := &blockingFunction{
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
	b.testFunction = newTestFunction(name, func(ctx context.Context, req *ComputeRequest) (*ComputeResponse, error) {
		b.started <- struct{}{}
		<-b.release
		b.done.Add(1)
		return JSON("released"), nil
	})
	return b
}

func (b *blockingFunction) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-b.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for invocation %d to start", i+1)
		}
	}
}

// newTestRegistry registers each function as a builtin-style handle.
func newTestRegistry(t *testing.T, fns ...ComputeFunction) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, fn := range fns {
		if err := r.Register(fn.Name(), NewBuiltinHandle(fn), false); err != nil {
			t.Fatalf("Failed to register %s: %v", fn.Name(), err)
		}
	}
	return r
}

// recordingAuditor keeps audit events in memory.
type recordingAuditor struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (a *recordingAuditor) Record(event string, _ map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *recordingAuditor) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func (a *recordingAuditor) has(event string) bool {
	for _, e := range a.Events() {
		if e == event {
			return true
		}
	}
	return false
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}
