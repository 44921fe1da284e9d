// build.go: compile function sources into plugin artifacts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	gocompute "github.com/agilira/go-compute"
	"github.com/urfave/cli/v2"
)

func build(c *cli.Context) error {
	sources := c.Args().Slice()
	if len(sources) == 0 {
		return fmt.Errorf("missing function source directories")
	}
	if _, err := exec.LookPath("go"); err != nil {
		return fmt.Errorf("missing go sdk: %w", err)
	}

	outDir, err := filepath.Abs(c.String("out"))
	if err != nil {
		return err
	}
	debug := c.Bool("debug")

	for _, src := range sources {
		artifact, err := buildPlugin(src, outDir, debug)
		if err != nil {
			return err
		}
		log.Printf("built %s", artifact)
	}
	return nil
}

// artifactPath returns where the artifact for src lands:
// <outDir>/<basename>/<basename>.so.
func artifactPath(src, outDir string) string {
	base := filepath.Base(filepath.Clean(src))
	return filepath.Join(outDir, base, base+gocompute.ArtifactExtension)
}

func buildArgs(output string) []string {
	return []string{"build", "-buildmode=plugin", "-trimpath", "-o", output, "."}
}

func buildPlugin(src, outDir string, debug bool) (string, error) {
	abs, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}

	output := artifactPath(abs, outDir)
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return "", err
	}

	cmd := exec.Command("go", buildArgs(output)...) // #nosec G204 -- fixed binary, output path built above
	cmd.Dir = abs
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if debug {
		log.Printf("(cd %s && %s)", cmd.Dir, cmd.String())
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build failed for %s: %w", abs, err)
	}
	return output, nil
}
