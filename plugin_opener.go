// plugin_opener.go: Artifact access behind an interface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import "plugin"

// Library is a mapped artifact from which exported symbols can be looked up.
type Library interface {
	Lookup(symbol string) (any, error)
}

// ArtifactOpener gives the loader access to compiled artifacts. ReadBuildInfo
// must not execute any code from the artifact; Open maps it and runs its
// package initializers.
type ArtifactOpener interface {
	ReadBuildInfo(path string) (*BuildInfo, error)
	Open(path string) (Library, error)
}

// GoPluginOpener opens artifacts built with -buildmode=plugin.
type GoPluginOpener struct{}

// ReadBuildInfo reads the build information embedded by the Go linker.
func (GoPluginOpener) ReadBuildInfo(path string) (*BuildInfo, error) {
	return readGoBuildInfo(path)
}

// Open maps the plugin. The runtime keeps it mapped for the process lifetime.
func (GoPluginOpener) Open(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &goPluginLibrary{p: p}, nil
}

type goPluginLibrary struct {
	p *plugin.Plugin
}

func (l *goPluginLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return any(sym), nil
}
