// config.go: Host configuration model, defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var validate = validator.New()

// Duration is a time.Duration that reads and writes as "30s"-style strings in
// every supported configuration format. Plain JSON numbers are taken as
// nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or an integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// JSONSchema describes Duration as a string for schema generation.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Go duration such as 500ms, 30s or 2m",
		Examples:    []any{"30s"},
	}
}

// FunctionConfig declares a plugin the host loads at startup and keeps in
// sync on configuration reload.
type FunctionConfig struct {
	Name     string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Path     string `json:"path" yaml:"path" toml:"path" validate:"required"`
	Replace  bool   `json:"replace,omitempty" yaml:"replace,omitempty" toml:"replace,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`
}

// LoggingConfig configures the zap logger built by the command line server.
type LoggingConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty" validate:"omitempty,oneof=json console"`
	File       string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty" toml:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty" toml:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty" toml:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty" toml:"compress,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
}

// GatewayConfig configures a network gateway.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address string `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// AuditConfig enables the Argus audit trail of management operations.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	OutputFile string `json:"output_file,omitempty" yaml:"output_file,omitempty" toml:"output_file,omitempty" validate:"required_if=Enabled true"`
}

// WatchConfig enables hot reload of the configuration file.
type WatchConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	PollInterval Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
}

// HostConfig is the complete host configuration.
type HostConfig struct {
	DispatchTimeout Duration         `json:"dispatch_timeout" yaml:"dispatch_timeout" toml:"dispatch_timeout"`
	DrainTimeout    Duration         `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	AllowedDigests  []string         `json:"allowed_digests,omitempty" yaml:"allowed_digests,omitempty" toml:"allowed_digests,omitempty" validate:"dive,len=64,hexadecimal"`
	Builtins        []string         `json:"builtins,omitempty" yaml:"builtins,omitempty" toml:"builtins,omitempty" validate:"dive,oneof=logger echo"`
	Functions       []FunctionConfig `json:"functions,omitempty" yaml:"functions,omitempty" toml:"functions,omitempty" validate:"dive"`
	FunctionsDir    string           `json:"functions_dir,omitempty" yaml:"functions_dir,omitempty" toml:"functions_dir,omitempty"`
	Logging         LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Metrics         MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`
	HTTP            GatewayConfig    `json:"http" yaml:"http" toml:"http"`
	GRPC            GatewayConfig    `json:"grpc" yaml:"grpc" toml:"grpc"`
	Audit           AuditConfig      `json:"audit" yaml:"audit" toml:"audit"`
	Watch           WatchConfig      `json:"watch" yaml:"watch" toml:"watch"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultDrainTimeout      = 30 * time.Second
	DefaultWatchPollInterval = 2 * time.Second
	DefaultMetricsNamespace  = "gocompute"
	DefaultHTTPAddress       = "127.0.0.1:8080"
	DefaultGRPCAddress       = "127.0.0.1:9090"
)

// DefaultHostConfig returns a configuration with every default applied and
// no functions.
func DefaultHostConfig() HostConfig {
	cfg := HostConfig{
		DispatchTimeout: Duration(DefaultDispatchTimeout),
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. DispatchTimeout is left alone because zero
// is meaningful (no limit); LoadConfigFromFile sets it only when the key is
// absent.
func (c *HostConfig) ApplyDefaults() {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = 100
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = 5
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = 28
		}
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		c.HTTP.Address = DefaultHTTPAddress
	}
	if c.GRPC.Enabled && c.GRPC.Address == "" {
		c.GRPC.Address = DefaultGRPCAddress
	}
	if c.Watch.PollInterval == 0 {
		c.Watch.PollInterval = Duration(DefaultWatchPollInterval)
	}
}

// Validate checks struct tags and the rules tags cannot express.
func (c *HostConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewConfigValidationError(describeValidationError(err), err)
	}
	if c.DispatchTimeout < 0 {
		return NewConfigValidationError("dispatch_timeout must not be negative", nil)
	}
	if c.DrainTimeout < 0 {
		return NewConfigValidationError("drain_timeout must not be negative", nil)
	}

	if c.FunctionsDir != "" && !filepath.IsAbs(c.FunctionsDir) {
		return NewConfigValidationError("functions_dir must be an absolute path", nil)
	}

	seen := make(map[string]struct{}, len(c.Functions)+len(c.Builtins))
	for _, b := range c.Builtins {
		if _, dup := seen[b]; dup {
			return NewConfigValidationError(fmt.Sprintf("builtin %q listed twice", b), nil)
		}
		seen[b] = struct{}{}
	}
	for _, f := range c.Functions {
		if err := ValidateFunctionName(f.Name); err != nil {
			return NewConfigValidationError(fmt.Sprintf("function name %q is not routable", f.Name), err)
		}
		if _, dup := seen[f.Name]; dup {
			return NewConfigValidationError(fmt.Sprintf("function name %q is declared more than once", f.Name), nil)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// EnabledFunctions returns the declared functions that are not disabled.
func (c *HostConfig) EnabledFunctions() []FunctionConfig {
	out := make([]FunctionConfig, 0, len(c.Functions))
	for _, f := range c.Functions {
		if !f.Disabled {
			out = append(out, f)
		}
	}
	return out
}

func describeValidationError(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// SchemaJSON renders the JSON schema of HostConfig.
func SchemaJSON() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&HostConfig{})

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
