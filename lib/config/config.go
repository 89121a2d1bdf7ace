// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for telemetryd.
//
// Configuration is loaded from a single YAML file specified by:
//   - TELEMETRYD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for telemetryd.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Socket configures the daemon's Unix sockets.
	Socket SocketConfig `yaml:"socket"`

	// Identity configures the admission-control uids and labels.
	Identity IdentityConfig `yaml:"identity"`

	// Ingest configures the event intake queue.
	Ingest IngestConfig `yaml:"ingest"`

	// Boot configures the startup gate.
	Boot BootConfig `yaml:"boot"`

	// Storage configures report persistence.
	Storage StorageConfig `yaml:"storage"`

	// Restricted configures the restricted metrics store.
	Restricted RestrictedConfig `yaml:"restricted"`

	// Pull configures the pulled-atom cache.
	Pull PullConfig `yaml:"pull"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Socket   *SocketConfig   `yaml:"socket,omitempty"`
	Identity *IdentityConfig `yaml:"identity,omitempty"`
	Ingest   *IngestConfig   `yaml:"ingest,omitempty"`
	Boot     *BootConfig     `yaml:"boot,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State is where reports, snapshots, and the restricted store
	// live across restarts.
	State string `yaml:"state"`

	// Run is where sockets and other per-boot files live.
	Run string `yaml:"run"`
}

// SocketConfig configures the daemon's Unix sockets.
type SocketConfig struct {
	// Control is the control socket every caller connects to.
	// Default: /run/telemetryd/control.sock
	Control string `yaml:"control"`

	// Companion is the platform companion's own socket. The daemon
	// pings it once at startup and dials it for alarm and pull
	// commands after the companion registers.
	// Default: /run/telemetryd/companion.sock
	Companion string `yaml:"companion"`
}

// IdentityConfig configures admission control.
type IdentityConfig struct {
	// SystemUid is the privileged platform uid. Default: 1000.
	SystemUid int32 `yaml:"system_uid"`

	// RootUid is the superuser uid. Default: 0.
	RootUid int32 `yaml:"root_uid"`

	// ShellUid is the debugging shell uid. Default: 2000.
	ShellUid int32 `yaml:"shell_uid"`

	// TracingLabel is the security label the live-subscription
	// actions require. Empty disables those actions for everyone
	// but root.
	TracingLabel string `yaml:"tracing_label"`

	// DebugBuild widens the shell impersonation rule to any target
	// uid. Default: false; the development environment turns it on
	// unless overridden.
	DebugBuild bool `yaml:"debug_build"`
}

// IngestConfig configures the event intake queue.
type IngestConfig struct {
	// QueueCapacity bounds the number of events waiting for the
	// ingestion thread. Default: 4096.
	QueueCapacity int `yaml:"queue_capacity"`
}

// BootConfig configures the startup gate.
type BootConfig struct {
	// GateDelay is how long the daemon waits after the last startup
	// token before telling the engine that initialization has
	// settled. Default: 90s.
	GateDelay string `yaml:"gate_delay"`
}

// StorageConfig configures report persistence.
type StorageConfig struct {
	// ReportTTL is how long persisted report files are kept before
	// the startup sweep deletes them. Default: 72h.
	ReportTTL string `yaml:"report_ttl"`
}

// RestrictedConfig configures the restricted metrics store.
type RestrictedConfig struct {
	// Database is the SQLite file path.
	// Default: /var/lib/telemetryd/restricted.db
	Database string `yaml:"database"`

	// PoolSize is the SQLite connection pool size. Default: 4.
	PoolSize int `yaml:"pool_size"`

	// RowTTL bounds the age of restricted metric rows; the periodic
	// sweep deletes older ones. Default: 168h.
	RowTTL string `yaml:"row_ttl"`
}

// PullConfig configures the pulled-atom cache.
type PullConfig struct {
	// CacheTTL is how long a pulled result stays fresh. Default: 1s.
	CacheTTL string `yaml:"cache_ttl"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback -
// the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State: "/var/lib/telemetryd",
			Run:   "/run/telemetryd",
		},
		Socket: SocketConfig{
			Control:   "/run/telemetryd/control.sock",
			Companion: "/run/telemetryd/companion.sock",
		},
		Identity: IdentityConfig{
			SystemUid:    1000,
			RootUid:      0,
			ShellUid:     2000,
			TracingLabel: "u:r:traced_probes:s0",
			DebugBuild:   false,
		},
		Ingest: IngestConfig{
			QueueCapacity: 4096,
		},
		Boot: BootConfig{
			GateDelay: "90s",
		},
		Storage: StorageConfig{
			ReportTTL: "72h",
		},
		Restricted: RestrictedConfig{
			Database: "${TELEMETRYD_STATE}/restricted.db",
			PoolSize: 4,
			RowTTL:   "168h",
		},
		Pull: PullConfig{
			CacheTTL: "1s",
		},
	}
}

// Load loads configuration from the TELEMETRYD_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults - if TELEMETRYD_CONFIG is
// not set, this fails. This ensures deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("TELEMETRYD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TELEMETRYD_CONFIG environment variable not set; " +
			"set it to the path of your telemetryd.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values - this ensures
// deterministic, auditable configuration. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
		// Development defaults: impersonation open, like an
		// engineering build.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Identity: &IdentityConfig{
					DebugBuild: true,
				},
			}
		}
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.Run != "" {
			c.Paths.Run = overrides.Paths.Run
		}
	}

	if overrides.Socket != nil {
		if overrides.Socket.Control != "" {
			c.Socket.Control = overrides.Socket.Control
		}
		if overrides.Socket.Companion != "" {
			c.Socket.Companion = overrides.Socket.Companion
		}
	}

	if overrides.Identity != nil {
		if overrides.Identity.SystemUid != 0 {
			c.Identity.SystemUid = overrides.Identity.SystemUid
		}
		if overrides.Identity.ShellUid != 0 {
			c.Identity.ShellUid = overrides.Identity.ShellUid
		}
		if overrides.Identity.TracingLabel != "" {
			c.Identity.TracingLabel = overrides.Identity.TracingLabel
		}
		// DebugBuild is a bool, so we always apply it from overrides.
		c.Identity.DebugBuild = overrides.Identity.DebugBuild
	}

	if overrides.Ingest != nil {
		if overrides.Ingest.QueueCapacity != 0 {
			c.Ingest.QueueCapacity = overrides.Ingest.QueueCapacity
		}
	}

	if overrides.Boot != nil {
		if overrides.Boot.GateDelay != "" {
			c.Boot.GateDelay = overrides.Boot.GateDelay
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TELEMETRYD_STATE": c.Paths.State,
		"TELEMETRYD_RUN":   c.Paths.Run,
		"HOME":             os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["TELEMETRYD_STATE"] = c.Paths.State // Update for dependent paths.
	c.Paths.Run = expandVars(c.Paths.Run, vars)
	vars["TELEMETRYD_RUN"] = c.Paths.Run

	c.Socket.Control = expandVars(c.Socket.Control, vars)
	c.Socket.Companion = expandVars(c.Socket.Companion, vars)
	c.Restricted.Database = expandVars(c.Restricted.Database, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.Run == "" {
		errs = append(errs, fmt.Errorf("paths.run is required"))
	}

	if c.Socket.Control == "" {
		errs = append(errs, fmt.Errorf("socket.control is required"))
	}

	if c.Identity.SystemUid < 0 || c.Identity.RootUid < 0 || c.Identity.ShellUid < 0 {
		errs = append(errs, fmt.Errorf("identity uids must be non-negative"))
	}
	if c.Identity.SystemUid == c.Identity.ShellUid {
		errs = append(errs, fmt.Errorf("identity.system_uid and identity.shell_uid must differ"))
	}

	if c.Ingest.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ingest.queue_capacity must be positive"))
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"boot.gate_delay", c.Boot.GateDelay},
		{"storage.report_ttl", c.Storage.ReportTTL},
		{"pull.cache_ttl", c.Pull.CacheTTL},
		{"restricted.row_ttl", c.Restricted.RowTTL},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if c.Restricted.Database == "" {
		errs = append(errs, fmt.Errorf("restricted.database is required"))
	}
	if c.Restricted.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("restricted.pool_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// GateDelay returns the parsed boot gate delay. Call Validate first;
// an unparseable value falls back to the default.
func (c *Config) GateDelay() time.Duration {
	return parseDurationOr(c.Boot.GateDelay, 90*time.Second)
}

// ReportTTL returns the parsed report retention window.
func (c *Config) ReportTTL() time.Duration {
	return parseDurationOr(c.Storage.ReportTTL, 72*time.Hour)
}

// CacheTTL returns the parsed pull cache freshness window.
func (c *Config) CacheTTL() time.Duration {
	return parseDurationOr(c.Pull.CacheTTL, time.Second)
}

// RowTTL returns the parsed restricted-row retention window.
func (c *Config) RowTTL() time.Duration {
	return parseDurationOr(c.Restricted.RowTTL, 168*time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// EnsurePaths creates the state and run directories if they don't
// exist. The state directory is private: report files carry telemetry
// payloads.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.State, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.State, err)
	}
	if err := os.MkdirAll(c.Paths.Run, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Run, err)
	}
	return nil
}
