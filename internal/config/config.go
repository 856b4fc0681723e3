// Package config handles loading and validating Ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ngome.
type Config struct {
	Workspace     string                `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE env var.
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite default (derived from workspace)
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig holds system-wide defaults for sandboxed code execution.
// Every field has a working default; deployments override subsets via their
// own sandbox policy payloads, which the policy resolver merges over these.
type SandboxConfig struct {
	// DefaultRuntime selects the guest runtime when a deployment does not:
	// "deno" (TypeScript) or "python". Default: "deno".
	DefaultRuntime string `json:"default_runtime" yaml:"default_runtime"`

	// DenoPath and PythonPath override executable discovery on PATH.
	DenoPath   string `json:"deno_path,omitempty" yaml:"deno_path,omitempty"`
	PythonPath string `json:"python_path,omitempty" yaml:"python_path,omitempty"`

	// Limits.
	MaxExecutionTimeMS int `json:"max_execution_time_ms" yaml:"max_execution_time_ms"` // Default: 30000
	MaxMemoryMB        int `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Default: 256
	MaxCPUPercent      int `json:"max_cpu_percent" yaml:"max_cpu_percent"`             // Default: 50
	MaxFileSizeMB      int `json:"max_file_size_mb" yaml:"max_file_size_mb"`           // Default: 10
	MaxTotalDiskMB     int `json:"max_total_disk_mb" yaml:"max_total_disk_mb"`         // Default: 100
	MaxRunsPerMinute   int `json:"max_runs_per_minute" yaml:"max_runs_per_minute"`     // Default: 20
	SessionTTLSeconds  int `json:"session_ttl_seconds" yaml:"session_ttl_seconds"`     // Default: 900

	// Permission defaults.
	FilesystemReadPaths  []string `json:"filesystem_read_paths,omitempty" yaml:"filesystem_read_paths,omitempty"`
	FilesystemWritePaths []string `json:"filesystem_write_paths,omitempty" yaml:"filesystem_write_paths,omitempty"`
	FilesystemDenyPaths  []string `json:"filesystem_deny_paths,omitempty" yaml:"filesystem_deny_paths,omitempty"`
	ToolAllowPatterns    []string `json:"tool_allow_patterns,omitempty" yaml:"tool_allow_patterns,omitempty"`
	ToolDenyPatterns     []string `json:"tool_deny_patterns,omitempty" yaml:"tool_deny_patterns,omitempty"`
	AllowToolCalls       *bool    `json:"allow_tool_calls,omitempty" yaml:"allow_tool_calls,omitempty"` // nil = true
	AllowRawHTTP         bool     `json:"allow_raw_http" yaml:"allow_raw_http"`                         // Default: false

	// Tokenization defaults.
	TokenizationEnabled bool     `json:"tokenization_enabled" yaml:"tokenization_enabled"`
	TokenizationTypes   []string `json:"tokenization_types,omitempty" yaml:"tokenization_types,omitempty"`

	// Pre-execution screening. Regular expressions matched against guest
	// source before any subprocess is spawned.
	PythonDangerousPatterns     []string `json:"python_dangerous_patterns,omitempty" yaml:"python_dangerous_patterns,omitempty"`
	TypeScriptDangerousPatterns []string `json:"typescript_dangerous_patterns,omitempty" yaml:"typescript_dangerous_patterns,omitempty"`

	// Meta-capability toggles.
	ShellExecEnabled *bool `json:"shell_exec_enabled,omitempty" yaml:"shell_exec_enabled,omitempty"` // nil = true
	FSBrowseEnabled  *bool `json:"fs_browse_enabled,omitempty" yaml:"fs_browse_enabled,omitempty"`   // nil = true
	ReplayEnabled    *bool `json:"replay_enabled,omitempty" yaml:"replay_enabled,omitempty"`         // nil = true

	// fs_browse caps.
	FSBrowseMaxEntries        int `json:"fs_browse_max_entries" yaml:"fs_browse_max_entries"`                 // Default: 1000 (operator ceiling)
	FSBrowseDefaultMaxEntries int `json:"fs_browse_default_max_entries" yaml:"fs_browse_default_max_entries"` // Default: 200

	// MaxPersistedOutputChars caps output/error text before persistence.
	MaxPersistedOutputChars int `json:"max_persisted_output_chars" yaml:"max_persisted_output_chars"` // Default: 200000
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"` // Default: ":9465"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint host:port.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // Default: 1.0
}

// Default system-wide sandbox constants.
var (
	DefaultFSRead  = []string{"/tools/**", "/skills/**", "/scratch/**", "/results/**"}
	DefaultFSWrite = []string{"/scratch/**", "/results/**"}
	DefaultFSDeny  = []string{"/etc/**", "/proc/**", "/sys/**"}

	DefaultTokenizationTypes = []string{"email", "phone", "ssn", "credit_card", "name"}

	DefaultPythonDangerousPatterns = []string{
		`(?i)\beval\s*\(`,
		`(?i)\bexec\s*\(`,
		`(?i)__import__\s*\(`,
		`(?i)\bos\.system\s*\(`,
		`(?i)\bsubprocess\.`,
		`(?i)\bopen\s*\(\s*['"]/(etc|proc|sys)`,
	}
	DefaultTypeScriptDangerousPatterns = []string{
		`(?i)\beval\s*\(`,
		`(?i)\bDeno\.run\b`,
		`(?i)\bDeno\.Command\b`,
		`(?i)\bfetch\s*\(`,
		`(?i)from\s+['"]https?://`,
		`(?i)import\s*\(\s*['"]https?://`,
	}
)

// Default returns a Config with all sandbox defaults populated.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			DefaultRuntime:              "deno",
			MaxExecutionTimeMS:          30000,
			MaxMemoryMB:                 256,
			MaxCPUPercent:               50,
			MaxFileSizeMB:               10,
			MaxTotalDiskMB:              100,
			MaxRunsPerMinute:            20,
			SessionTTLSeconds:           900,
			FilesystemReadPaths:         append([]string(nil), DefaultFSRead...),
			FilesystemWritePaths:        append([]string(nil), DefaultFSWrite...),
			FilesystemDenyPaths:         append([]string(nil), DefaultFSDeny...),
			TokenizationTypes:           append([]string(nil), DefaultTokenizationTypes...),
			PythonDangerousPatterns:     append([]string(nil), DefaultPythonDangerousPatterns...),
			TypeScriptDangerousPatterns: append([]string(nil), DefaultTypeScriptDangerousPatterns...),
			FSBrowseMaxEntries:          1000,
			FSBrowseDefaultMaxEntries:   200,
			MaxPersistedOutputChars:     200000,
		},
	}
}

// Load reads a config file (YAML or JSON by extension), applies env var
// overrides, and fills zero-valued sandbox fields with defaults.
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else {
			switch strings.ToLower(filepath.Ext(path)) {
			case ".json":
				if err := json.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("parsing config %s: %w", path, err)
				}
			default:
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("parsing config %s: %w", path, err)
				}
			}
		}
	}

	if ws := os.Getenv("NGOME_WORKSPACE"); ws != "" {
		cfg.Workspace = ws
	}
	if dsn := os.Getenv("NGOME_DB_DSN"); dsn != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = dsn
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued sandbox fields so a partially specified
// config file still yields a complete configuration.
func (c *Config) applyDefaults() {
	d := Default().Sandbox
	s := &c.Sandbox
	if s.DefaultRuntime == "" {
		s.DefaultRuntime = d.DefaultRuntime
	}
	if s.MaxExecutionTimeMS <= 0 {
		s.MaxExecutionTimeMS = d.MaxExecutionTimeMS
	}
	if s.MaxMemoryMB <= 0 {
		s.MaxMemoryMB = d.MaxMemoryMB
	}
	if s.MaxCPUPercent <= 0 {
		s.MaxCPUPercent = d.MaxCPUPercent
	}
	if s.MaxFileSizeMB <= 0 {
		s.MaxFileSizeMB = d.MaxFileSizeMB
	}
	if s.MaxTotalDiskMB <= 0 {
		s.MaxTotalDiskMB = d.MaxTotalDiskMB
	}
	if s.MaxRunsPerMinute <= 0 {
		s.MaxRunsPerMinute = d.MaxRunsPerMinute
	}
	if s.SessionTTLSeconds <= 0 {
		s.SessionTTLSeconds = d.SessionTTLSeconds
	}
	if len(s.FilesystemReadPaths) == 0 {
		s.FilesystemReadPaths = d.FilesystemReadPaths
	}
	if len(s.FilesystemWritePaths) == 0 {
		s.FilesystemWritePaths = d.FilesystemWritePaths
	}
	if len(s.FilesystemDenyPaths) == 0 {
		s.FilesystemDenyPaths = d.FilesystemDenyPaths
	}
	if len(s.TokenizationTypes) == 0 {
		s.TokenizationTypes = d.TokenizationTypes
	}
	if len(s.PythonDangerousPatterns) == 0 {
		s.PythonDangerousPatterns = d.PythonDangerousPatterns
	}
	if len(s.TypeScriptDangerousPatterns) == 0 {
		s.TypeScriptDangerousPatterns = d.TypeScriptDangerousPatterns
	}
	if s.FSBrowseMaxEntries <= 0 {
		s.FSBrowseMaxEntries = d.FSBrowseMaxEntries
	}
	if s.FSBrowseDefaultMaxEntries <= 0 {
		s.FSBrowseDefaultMaxEntries = d.FSBrowseDefaultMaxEntries
	}
	if s.FSBrowseDefaultMaxEntries > s.FSBrowseMaxEntries {
		s.FSBrowseDefaultMaxEntries = s.FSBrowseMaxEntries
	}
	if s.MaxPersistedOutputChars < 1000 {
		s.MaxPersistedOutputChars = d.MaxPersistedOutputChars
	}
}

// ShellExec reports whether the restricted shell capability is enabled.
func (s *SandboxConfig) ShellExec() bool { return s.ShellExecEnabled == nil || *s.ShellExecEnabled }

// FSBrowse reports whether the filesystem browse capability is enabled.
func (s *SandboxConfig) FSBrowse() bool { return s.FSBrowseEnabled == nil || *s.FSBrowseEnabled }

// Replay reports whether run replay is enabled.
func (s *SandboxConfig) Replay() bool { return s.ReplayEnabled == nil || *s.ReplayEnabled }

// ToolCalls reports the default for bridged tool calls.
func (s *SandboxConfig) ToolCalls() bool { return s.AllowToolCalls == nil || *s.AllowToolCalls }
