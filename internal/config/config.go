// Package config provides configuration management for rdebug.
//
// Configuration controls:
//   - Capability mode (readonly vs full): determines which tools are available
//   - Permission flags: control spawning hosts, connecting to hosts and evaluation
//   - Runtime host settings: how to spawn or reach the R host
//   - Safety limits: maximum sessions and idle session timeout
//
// Configuration is loaded from a JSON or TOML file (chosen by extension) or
// uses sensible defaults. The readonly mode exposes only inspection tools,
// while full mode enables stepping, continuing and breakpoint changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ctagard/rdebug/internal/errors"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Only inspection tools
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Duration is a time.Duration that reads as "30m" in config files.
// Plain numbers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalText renders the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the server configuration
type Config struct {
	// Capability levels
	Mode          CapabilityMode `json:"mode" toml:"mode"`
	AllowSpawn    bool           `json:"allowSpawn" toml:"allowSpawn"`
	AllowConnect  bool           `json:"allowConnect" toml:"allowConnect"`
	AllowEvaluate bool           `json:"allowEvaluate" toml:"allowEvaluate"`

	Runtime RuntimeConfig `json:"runtime" toml:"runtime"`
	DAP     DAPConfig     `json:"dap" toml:"dap"`

	// Limits for safety
	MaxSessions    int      `json:"maxSessions" toml:"maxSessions"`
	SessionTimeout Duration `json:"sessionTimeout" toml:"sessionTimeout"`
}

// RuntimeConfig describes how to reach an R runtime host
type RuntimeConfig struct {
	// HostPath is the executable spawned by launch requests
	HostPath string   `json:"hostPath" toml:"hostPath"`
	HostArgs []string `json:"hostArgs" toml:"hostArgs"`
	// URL is the default host address for connect requests
	URL string `json:"url" toml:"url"`
	// HelperPath overrides the embedded helper payload
	HelperPath  string   `json:"helperPath" toml:"helperPath"`
	DialTimeout Duration `json:"dialTimeout" toml:"dialTimeout"`
}

// DAPConfig holds settings for the DAP front end
type DAPConfig struct {
	Listen string `json:"listen" toml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:          ModeFull,
		AllowSpawn:    true,
		AllowConnect:  true,
		AllowEvaluate: true,
		Runtime: RuntimeConfig{
			HostPath:    "rdebug-host",
			URL:         "ws://127.0.0.1:8765",
			DialTimeout: Duration(10 * time.Second),
		},
		DAP: DAPConfig{
			Listen: "127.0.0.1:4711",
		},
		MaxSessions:    10,
		SessionTimeout: Duration(30 * time.Minute),
	}
}

// LoadConfig loads configuration from a JSON or TOML file. Fields missing
// from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigInvalid(path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.ConfigInvalid(path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigInvalid(path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return fmt.Errorf("unknown mode %q (expected %q or %q)", c.Mode, ModeReadOnly, ModeFull)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("maxSessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("sessionTimeout must not be negative")
	}
	return nil
}

// HelperCode returns the helper payload override, or "" for the embedded one
func (c *Config) HelperCode() (string, error) {
	if c.Runtime.HelperPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Runtime.HelperPath)
	if err != nil {
		return "", fmt.Errorf("failed to read helper payload: %w", err)
	}
	return string(data), nil
}

// CanUseControlTools returns true if control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanSpawn returns true if spawning runtime hosts is allowed
func (c *Config) CanSpawn() bool {
	return c.AllowSpawn
}

// CanConnect returns true if connecting to running hosts is allowed
func (c *Config) CanConnect() bool {
	return c.AllowConnect
}

// CanEvaluate returns true if expression evaluation is allowed
func (c *Config) CanEvaluate() bool {
	return c.AllowEvaluate
}
