// abi.go: Binary compatibility contract between host and plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"debug/buildinfo"
	"runtime"
	"time"
)

// ContractABI identifies the revision of the ComputeFunction contract. Plugins
// export it as
//
//	var ComputeABI = gocompute.ContractABI
//
// and the loader rejects any artifact whose exported value differs from the
// host's byte for byte. Bump it whenever ComputeFunction, ComputeRequest or
// ComputeResponse change shape.
const ContractABI = "gocompute.contract/v1"

// Exported symbol names every plugin artifact must provide.
const (
	ABISymbol         = "ComputeABI"
	ConstructorSymbol = "NewComputeFunction"
)

// ArtifactInfo describes a compiled artifact as read from disk, before any
// of its code runs. Compatible reports whether the host toolchain built it.
type ArtifactInfo struct {
	Path       string            `json:"path"`
	Digest     string            `json:"digest"`
	Size       int64             `json:"size"`
	ModTime    time.Time         `json:"mod_time"`
	GoVersion  string            `json:"go_version"`
	ModulePath string            `json:"module_path,omitempty"`
	MainPath   string            `json:"main_path,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
	Compatible bool              `json:"compatible"`
}

// HostInfo describes the running host for compatibility reports.
type HostInfo struct {
	GoVersion string `json:"go_version"`
	GOOS      string `json:"goos"`
	GOARCH    string `json:"goarch"`
	Contract  string `json:"contract"`
}

// CurrentHost returns the host side of the ABI contract.
func CurrentHost() HostInfo {
	return HostInfo{
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		Contract:  ContractABI,
	}
}

// BuildInfo is the subset of Go build information the loader checks.
type BuildInfo struct {
	GoVersion  string
	ModulePath string
	MainPath   string
	Settings   map[string]string
}

func readGoBuildInfo(path string) (*BuildInfo, error) {
	info, err := buildinfo.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := &BuildInfo{
		GoVersion:  info.GoVersion,
		ModulePath: info.Main.Path,
		MainPath:   info.Path,
		Settings:   make(map[string]string, len(info.Settings)),
	}
	for _, s := range info.Settings {
		out.Settings[s.Key] = s.Value
	}
	return out, nil
}
