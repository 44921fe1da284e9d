// discovery.go: Filesystem discovery of built function artifacts
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
	"sort"
	"strings"

	"github.com/agilira/go-errors"
)

// ErrCodeDiscoveryFailed is returned when a functions directory cannot be scanned.
const ErrCodeDiscoveryFailed = "LOAD_1004"

// DefaultDiscoveryDepth is how many directory levels below the root are scanned.
const DefaultDiscoveryDepth = 2

// DiscoveredArtifact is a function artifact found on disk.
type DiscoveredArtifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DiscoverArtifacts scans root for artifacts laid out by the build command,
// <root>/<name>/<name>.so, and for loose <root>/<name>.so files. The function
// name is the artifact's base name. Artifacts whose name is not routable are
// skipped, as are files in directories named differently from the file. When
// two artifacts map to the same name the one found first in lexical order
// wins. Results are sorted by name.
func DiscoverArtifacts(ctx context.Context, root string, maxDepth int, logger Logger) ([]DiscoveredArtifact, error) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultDiscoveryDepth
	}
	cleaned := filepath.Clean(root)
	if !filepath.IsAbs(cleaned) {
		return nil, newDiscoveryError(root, fmt.Errorf("functions directory must be absolute"))
	}

	found := make(map[string]DiscoveredArtifact)
	if err := scanArtifactDirectory(ctx, cleaned, cleaned, 0, maxDepth, found, logger); err != nil {
		return nil, err
	}

	out := make([]DiscoveredArtifact, 0, len(found))
	for _, a := range found {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func scanArtifactDirectory(ctx context.Context, root, dir string, depth, maxDepth int, found map[string]DiscoveredArtifact, logger Logger) error {
	if depth > maxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if depth == 0 {
			return newDiscoveryError(dir, err)
		}
		logger.Warn("Failed to read directory during discovery", "path", dir, "error", err)
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return newDiscoveryError(dir, err)
		}
		full := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if err := scanArtifactDirectory(ctx, root, full, depth+1, maxDepth, found, logger); err != nil {
				return err
			}
			continue
		}

		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != ArtifactExtension {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ArtifactExtension)
		if dir != root && filepath.Base(dir) != name {
			logger.Debug("Skipping artifact outside its build directory", "path", full)
			continue
		}
		if err := ValidateFunctionName(name); err != nil {
			logger.Warn("Skipping artifact with unroutable name", "path", full, "error", err)
			continue
		}
		if existing, dup := found[name]; dup {
			logger.Warn("Duplicate artifact name, keeping the first",
				"function", name,
				"kept", existing.Path,
				"ignored", full)
			continue
		}
		found[name] = DiscoveredArtifact{Name: name, Path: full}
		logger.Debug("Discovered artifact", "function", name, "path", full)
	}
	return nil
}

func newDiscoveryError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeDiscoveryFailed, "Function discovery failed").
		WithUserMessage("The functions directory could not be scanned").
		WithContext("path", path).
		WithSeverity("error")
}
