// Package config handles loading and validating town service configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the town sandbox service.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Shared workspace root. Default: ~/.elizatown/workspace. Override: ELIZA_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.elizatown/data. Override: ELIZA_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = change auditing disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig configures the execution backend shared by the
// workspace service and all per-session sandboxes.
type SandboxConfig struct {
	Mode             string `json:"mode" yaml:"mode"`                                               // "local" (default) or "remote".
	RemoteEndpoint   string `json:"remote_endpoint,omitempty" yaml:"remote_endpoint,omitempty"`     // Provider base URL (remote mode). Override: ELIZA_SANDBOX_ENDPOINT env var.
	RemoteCredential string `json:"remote_credential,omitempty" yaml:"remote_credential,omitempty"` // Provider API credential (remote mode). Override: ELIZA_SANDBOX_CREDENTIAL env var.
	CommandTimeoutS  int    `json:"command_timeout_s" yaml:"command_timeout_s"`                     // Per-command timeout. Default: 30.
	MaxOutputBytes   int64  `json:"max_output_bytes" yaml:"max_output_bytes"`                       // Captured stdout/stderr cap. Default: 1 MB.
	MaxFileSizeBytes int64  `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`                 // Read/write file size cap. Default: 10 MB.
	SearchMaxMatches int    `json:"search_max_matches" yaml:"search_max_matches"`                   // Search result cap. Default: 50.
}

// SandboxMode returns the configured mode, defaulting to "local".
func (s *SandboxConfig) SandboxMode() string {
	if s != nil && s.Mode != "" {
		return s.Mode
	}
	return "local"
}

// CommandTimeout returns the per-command timeout with a default of 30s.
func (s *SandboxConfig) CommandTimeout() time.Duration {
	if s != nil && s.CommandTimeoutS > 0 {
		return time.Duration(s.CommandTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// SessionsConfig configures per-session sandbox lifecycle management.
type SessionsConfig struct {
	BaseDir        string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"` // Session sandbox root. Default: <data_dir>/sessions.
	IdleTimeoutS   int    `json:"idle_timeout_s" yaml:"idle_timeout_s"`         // Idle eviction threshold. Default: 3600 (1 hour).
	SweepIntervalS int    `json:"sweep_interval_s" yaml:"sweep_interval_s"`     // Eviction sweep interval. Default: 300 (5 min).
}

// IdleTimeout returns the idle eviction threshold with a default of 1h.
func (s *SessionsConfig) IdleTimeout() time.Duration {
	if s != nil && s.IdleTimeoutS > 0 {
		return time.Duration(s.IdleTimeoutS) * time.Second
	}
	return 1 * time.Hour
}

// SweepInterval returns the eviction sweep interval with a default of 5m.
func (s *SessionsConfig) SweepInterval() time.Duration {
	if s != nil && s.SweepIntervalS > 0 {
		return time.Duration(s.SweepIntervalS) * time.Second
	}
	return 5 * time.Minute
}

// ToolsConfig configures the agent-facing tool surface.
type ToolsConfig struct {
	CodeExecutionEnabled bool `json:"code_execution_enabled" yaml:"code_execution_enabled"` // Gate for all workspace tools. Default: false.
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	EnableCORS          bool            `json:"enable_cors" yaml:"enable_cors"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Bearer tokens. Empty = no auth (dev only).
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-client rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// StorageConfig configures the change-audit persistence backend.
// When nil, file changes are kept only in the in-memory ring buffer.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/changes.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: ELIZA_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "elizatown"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB        bool `json:"include_db" yaml:"include_db"`
	IncludeWorkspace bool `json:"include_workspace" yaml:"include_workspace"`
}

// DefaultConfigPath returns the default config file path (~/.elizatown/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/elizatown.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".elizatown", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Credentials can be set in the config file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".elizatown", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies ELIZA_* environment variable overrides.
// Environment variables take precedence over config file values.
func (c *Config) applyEnvOverrides() {
	if envWS := os.Getenv("ELIZA_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envDD := os.Getenv("ELIZA_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envEP := os.Getenv("ELIZA_SANDBOX_ENDPOINT"); envEP != "" {
		c.Sandbox.RemoteEndpoint = envEP
	}
	if envCred := os.Getenv("ELIZA_SANDBOX_CREDENTIAL"); envCred != "" {
		c.Sandbox.RemoteCredential = envCred
	}
	if envDSN := os.Getenv("ELIZA_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envKey := os.Getenv("ELIZA_API_KEY"); envKey != "" {
		c.Gateway.APIKeys = append(c.Gateway.APIKeys, envKey)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedWorkspace returns the shared workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "workspace"
		}
		return filepath.Join(home, ".elizatown", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".elizatown", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// SessionsBaseDir returns the per-session sandbox root, defaulting to
// <data_dir>/sessions.
func (c *Config) SessionsBaseDir() string {
	if c.Sessions.BaseDir != "" {
		resolved, err := resolvePath(c.Sessions.BaseDir)
		if err != nil {
			return c.Sessions.BaseDir
		}
		return resolved
	}
	return filepath.Join(c.ResolvedDataDir(), "sessions")
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "changes.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Sandbox.SandboxMode() {
	case "local":
		// valid
	case "remote":
		if c.Sandbox.RemoteEndpoint == "" {
			return fmt.Errorf("sandbox.remote_endpoint is required for remote mode (set ELIZA_SANDBOX_ENDPOINT env var)")
		}
	default:
		return fmt.Errorf("sandbox.mode %q is not supported (use local or remote)", c.Sandbox.Mode)
	}
	if c.Sandbox.CommandTimeoutS < 0 {
		return fmt.Errorf("sandbox.command_timeout_s must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Sandbox.MaxFileSizeBytes < 0 {
		return fmt.Errorf("sandbox.max_file_size_bytes must not be negative")
	}
	if c.Sessions.IdleTimeoutS < 0 {
		return fmt.Errorf("sessions.idle_timeout_s must not be negative")
	}
	if c.Sessions.SweepIntervalS < 0 {
		return fmt.Errorf("sessions.sweep_interval_s must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set ELIZA_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if rl := c.Gateway.RateLimit; rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
		return fmt.Errorf("gateway.rate_limit values must not be negative")
	}
	return nil
}
