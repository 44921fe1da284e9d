// config_loader_test.go: Tests for multi-format configuration loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromFile_Formats(t *testing.T) {
	dir := t.TempDir()

	yamlDoc := `
dispatch_timeout: 5s
builtins: [echo]
functions:
  - name: resize
    path: /opt/functions/resize
    replace: true
http:
  enabled: true
watch:
  enabled: true
  poll_interval: 500ms
`
	tomlDoc := `
dispatch_timeout = "5s"
builtins = ["echo"]

[[functions]]
name = "resize"
path = "/opt/functions/resize"
replace = true

[http]
enabled = true

[watch]
enabled = true
poll_interval = "500ms"
`
	jsonDoc := `{
  "dispatch_timeout": "5s",
  "builtins": ["echo"],
  "functions": [{"name": "resize", "path": "/opt/functions/resize", "replace": true}],
  "http": {"enabled": true},
  "watch": {"enabled": true, "poll_interval": "500ms"}
}`

	tests := []struct {
		file    string
		content string
	}{
		{"host.yaml", yamlDoc},
		{"host.yml", yamlDoc},
		{"host.toml", tomlDoc},
		{"host.json", jsonDoc},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			cfg, err := LoadConfigFromFile(writeConfig(t, dir, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, 5*time.Second, cfg.DispatchTimeout.Std())
			assert.Equal(t, []string{"echo"}, cfg.Builtins)
			require.Len(t, cfg.Functions, 1)
			assert.Equal(t, FunctionConfig{Name: "resize", Path: "/opt/functions/resize", Replace: true}, cfg.Functions[0])
			assert.True(t, cfg.HTTP.Enabled)
			assert.Equal(t, DefaultHTTPAddress, cfg.HTTP.Address, "defaults applied after parsing")
			assert.Equal(t, 500*time.Millisecond, cfg.Watch.PollInterval.Std())
			assert.Equal(t, DefaultDrainTimeout, cfg.DrainTimeout.Std())
		})
	}
}

func TestLoadConfigFromFile_DispatchTimeout(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfigFromFile(writeConfig(t, dir, "absent.yaml", "builtins: [logger]\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDispatchTimeout, cfg.DispatchTimeout.Std(), "absent key keeps the default")

	cfg, err = LoadConfigFromFile(writeConfig(t, dir, "zero.yaml", "dispatch_timeout: 0s\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.DispatchTimeout.Std(), "explicit zero disables the limit")
}

func TestLoadConfigFromFile_EnvironmentExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GOCOMPUTE_TEST_FN_ROOT", "/srv/functions")
	t.Setenv("GOCOMPUTE_TEST_LEVEL", "")

	doc := `
functions:
  - name: resize
    path: ${GOCOMPUTE_TEST_FN_ROOT}/resize
logging:
  level: ${GOCOMPUTE_TEST_LEVEL:-debug}
`
	cfg, err := LoadConfigFromFile(writeConfig(t, dir, "env.yaml", doc))
	require.NoError(t, err)
	assert.Equal(t, "/srv/functions/resize", cfg.Functions[0].Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestExpandEnvironmentVariables(t *testing.T) {
	t.Setenv("GOCOMPUTE_TEST_SET", "value")

	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"${GOCOMPUTE_TEST_SET}", "value"},
		{"a-${GOCOMPUTE_TEST_SET}-b", "a-value-b"},
		{"${GOCOMPUTE_TEST_UNSET_VAR}", ""},
		{"${GOCOMPUTE_TEST_UNSET_VAR:-fallback}", "fallback"},
		{"${GOCOMPUTE_TEST_SET:-fallback}", "value"},
		{"$GOCOMPUTE_TEST_SET", "$GOCOMPUTE_TEST_SET"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnvironmentVariables(tt.input))
		})
	}
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := LoadConfigFromFile("")
		assert.Equal(t, ErrCodeConfigNotFound, ErrorCodeOf(err))
	})

	t.Run("NullByte", func(t *testing.T) {
		_, err := LoadConfigFromFile("host\x00.yaml")
		assert.Equal(t, ErrCodeConfigNotFound, ErrorCodeOf(err))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadConfigFromFile(filepath.Join(dir, "missing.yaml"))
		assert.Equal(t, ErrCodeConfigNotFound, ErrorCodeOf(err))
	})

	t.Run("Directory", func(t *testing.T) {
		_, err := LoadConfigFromFile(dir)
		assert.Equal(t, ErrCodeConfigNotFound, ErrorCodeOf(err))
	})

	t.Run("TooLarge", func(t *testing.T) {
		big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
		_, err := LoadConfigFromFile(writeConfig(t, dir, "big.yaml", big))
		assert.Equal(t, ErrCodeConfigParseError, ErrorCodeOf(err))
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := LoadConfigFromFile(writeConfig(t, dir, "bad.yaml", "functions: [unclosed\n"))
		assert.Equal(t, ErrCodeConfigParseError, ErrorCodeOf(err))
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := LoadConfigFromFile(writeConfig(t, dir, "invalid.json", `{"builtins": ["shell"]}`))
		assert.Equal(t, ErrCodeConfigValidationError, ErrorCodeOf(err))
	})
}
