// inspect.go: artifact inspection and schema output
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"io"

	gocompute "github.com/agilira/go-compute"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

func inspect(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("missing artifact paths")
	}
	loader := gocompute.NewLoader()
	host := gocompute.CurrentHost()
	out := c.App.Writer

	for _, path := range paths {
		info, err := loader.Inspect(path)
		if err != nil {
			return err
		}
		if c.Bool("verbose") {
			spew.Fdump(out, info)
			continue
		}
		printArtifact(out, info, host)
	}
	return nil
}

func printArtifact(w io.Writer, info *gocompute.ArtifactInfo, host gocompute.HostInfo) {
	status := "compatible"
	if !info.Compatible {
		status = "INCOMPATIBLE (host " + host.GoVersion + ")"
	}
	fmt.Fprintf(w, "%s\n", info.Path)
	fmt.Fprintf(w, "  digest:     %s\n", info.Digest)
	fmt.Fprintf(w, "  size:       %d\n", info.Size)
	fmt.Fprintf(w, "  go version: %s\n", info.GoVersion)
	if info.ModulePath != "" {
		fmt.Fprintf(w, "  module:     %s\n", info.ModulePath)
	}
	fmt.Fprintf(w, "  toolchain:  %s\n", status)
	fmt.Fprintf(w, "  contract:   %s (checked at load)\n", host.Contract)
}

func schema(c *cli.Context) error {
	out, err := gocompute.SchemaJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(out))
	return err
}
