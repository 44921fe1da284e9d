// config_loader.go: Multi-format configuration loading backed by Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agilira/argus"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// maxConfigFileSize guards against feeding huge files to the parsers.
const maxConfigFileSize = 4 << 20

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func ExpandEnvironmentVariables(input string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(sub[1]); ok && value != "" {
			return value
		}
		if len(sub) >= 4 {
			return sub[3]
		}
		return ""
	})
}

// LoadConfigFromFile reads, expands, parses, defaults and validates a host
// configuration. The format follows the file extension: .yaml/.yml, .toml and
// .json are supported, other formats Argus understands are parsed by Argus.
func LoadConfigFromFile(path string) (HostConfig, error) {
	cfg := HostConfig{DispatchTimeout: Duration(DefaultDispatchTimeout)}

	securePath, err := secureConfigPath(path)
	if err != nil {
		return cfg, err
	}

	data, err := readConfigFile(securePath)
	if err != nil {
		return cfg, err
	}

	if err := ParseConfig(data, argus.DetectFormat(securePath), &cfg); err != nil {
		return cfg, NewConfigParseError(securePath, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseConfig decodes data in the given format into cfg, keeping values
// already set on cfg for keys the document does not mention.
//
// Strategy:
//   - YAML: gopkg.in/yaml.v3
//   - TOML: go-toml/v2 (typed decoding)
//   - JSON and others: Argus, then bound to the struct
func ParseConfig(data []byte, format argus.ConfigFormat, cfg *HostConfig) error {
	expanded := []byte(ExpandEnvironmentVariables(string(data)))

	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil

	case argus.FormatTOML:
		if err := toml.Unmarshal(expanded, cfg); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
		return nil

	default:
		configMap, err := argus.ParseConfig(expanded, format)
		if err != nil {
			return err
		}
		return bindHostConfig(configMap, cfg)
	}
}

// bindHostConfig converts a parsed map into HostConfig through a JSON round
// trip so nested structs and Duration fields decode with their own rules.
func bindHostConfig(configMap map[string]interface{}, cfg *HostConfig) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func secureConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", NewConfigNotFoundError(path, fmt.Errorf("empty file path provided"))
	}
	if strings.Contains(path, "\x00") {
		return "", NewConfigNotFoundError(path, fmt.Errorf("null byte detected in path"))
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", NewConfigNotFoundError(path, err)
	}
	return abs, nil
}

func readConfigFile(path string) ([]byte, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, NewConfigNotFoundError(path, err)
	}
	if !stat.Mode().IsRegular() {
		return nil, NewConfigNotFoundError(path, fmt.Errorf("not a regular file"))
	}
	if stat.Size() > maxConfigFileSize {
		return nil, NewConfigParseError(path, fmt.Errorf("file size %d exceeds limit %d", stat.Size(), maxConfigFileSize))
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path cleaned and made absolute above
	if err != nil {
		return nil, NewConfigNotFoundError(path, err)
	}
	return data, nil
}
