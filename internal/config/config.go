// Package config handles loading and validating sandterm configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the broker.
type Config struct {
	ListenAddr    string               `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: SANDTERM_LISTEN_ADDR.
	LogLevel      string               `json:"log_level" yaml:"log_level"`     // debug, info, warn, error. Override: SANDTERM_LOG_LEVEL.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Terminal      TerminalConfig       `json:"terminal" yaml:"terminal"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = reaper enabled with defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig configures the container runtime used for per-session sandboxes.
type SandboxConfig struct {
	Runtime               string  `json:"runtime" yaml:"runtime"`                                 // Runtime CLI binary. Default: "docker".
	Image                 string  `json:"image" yaml:"image"`                                     // Default: "alpine:3.20". Override: SANDTERM_IMAGE.
	NamePrefix            string  `json:"name_prefix" yaml:"name_prefix"`                         // Default: "sandterm-".
	MemoryMB              int     `json:"memory_mb" yaml:"memory_mb"`                             // Default: 256.
	CPUCores              float64 `json:"cpu_cores" yaml:"cpu_cores"`                             // Default: 0.5.
	PIDsLimit             int     `json:"pids_limit" yaml:"pids_limit"`                           // Default: 64.
	Shell                 string  `json:"shell" yaml:"shell"`                                     // Default: "/bin/sh".
	User                  string  `json:"user" yaml:"user"`                                       // Default: "65534:65534".
	WritableRoot          bool    `json:"writable_root" yaml:"writable_root"`                     // false = --read-only root filesystem.
	CommandTimeoutSeconds int     `json:"command_timeout_seconds" yaml:"command_timeout_seconds"` // Default: 30.
}

// RuntimeBinary returns the container runtime CLI with a default of "docker".
func (s *SandboxConfig) RuntimeBinary() string {
	if s.Runtime != "" {
		return s.Runtime
	}
	return "docker"
}

// ImageName returns the sandbox image with a default of "alpine:3.20".
func (s *SandboxConfig) ImageName() string {
	if s.Image != "" {
		return s.Image
	}
	return "alpine:3.20"
}

// Prefix returns the container name prefix with a default of "sandterm-".
func (s *SandboxConfig) Prefix() string {
	if s.NamePrefix != "" {
		return s.NamePrefix
	}
	return "sandterm-"
}

// ShellCommand returns the interactive shell with a default of "/bin/sh".
func (s *SandboxConfig) ShellCommand() string {
	if s.Shell != "" {
		return s.Shell
	}
	return "/bin/sh"
}

// CommandTimeout returns the per-command runtime timeout with a default of 30s.
func (s *SandboxConfig) CommandTimeout() time.Duration {
	if s.CommandTimeoutSeconds > 0 {
		return time.Duration(s.CommandTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// TerminalConfig configures PTY geometry and attach behavior.
type TerminalConfig struct {
	DefaultCols   int `json:"default_cols" yaml:"default_cols"`       // Default: 80.
	DefaultRows   int `json:"default_rows" yaml:"default_rows"`       // Default: 24.
	MaxCols       int `json:"max_cols" yaml:"max_cols"`               // Default: 500.
	MaxRows       int `json:"max_rows" yaml:"max_rows"`               // Default: 200.
	AttachGraceMS int `json:"attach_grace_ms" yaml:"attach_grace_ms"` // Default: 250.
}

// Cols returns the default column count.
func (t *TerminalConfig) Cols() int {
	if t.DefaultCols > 0 {
		return t.DefaultCols
	}
	return 80
}

// Rows returns the default row count.
func (t *TerminalConfig) Rows() int {
	if t.DefaultRows > 0 {
		return t.DefaultRows
	}
	return 24
}

// ColsLimit returns the maximum accepted column count.
func (t *TerminalConfig) ColsLimit() int {
	if t.MaxCols > 0 {
		return t.MaxCols
	}
	return 500
}

// RowsLimit returns the maximum accepted row count.
func (t *TerminalConfig) RowsLimit() int {
	if t.MaxRows > 0 {
		return t.MaxRows
	}
	return 200
}

// AttachGrace returns how long an attached process must survive before the
// attach counts as successful.
func (t *TerminalConfig) AttachGrace() time.Duration {
	if t.AttachGraceMS > 0 {
		return time.Duration(t.AttachGraceMS) * time.Millisecond
	}
	return 250 * time.Millisecond
}

// SessionConfig configures session lifecycle policy.
type SessionConfig struct {
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"` // Default: 120. Override: SANDTERM_IDLE_TIMEOUT_SECONDS.
	MaxSessions        int `json:"max_sessions" yaml:"max_sessions"`                 // 0 = unlimited.
}

// IdleTimeout returns the inactivity timeout with a default of 120s.
func (s *SessionConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// GatewayConfig configures the WebSocket connection acceptor.
type GatewayConfig struct {
	Path           string          `json:"path" yaml:"path"`                       // Default: "/ws/terminal".
	OriginPatterns []string        `json:"origin_patterns" yaml:"origin_patterns"` // Allowed cross-origin hosts. Empty = same-origin only.
	ReadLimitBytes int64           `json:"read_limit_bytes" yaml:"read_limit_bytes"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	AdminToken     string          `json:"admin_token" yaml:"admin_token"` // Bearer token for /v1. Empty = unauthenticated. Override: SANDTERM_ADMIN_TOKEN.
	EnableDocs     bool            `json:"enable_docs" yaml:"enable_docs"` // Serve OpenAPI docs for the admin API.
}

// WSPath returns the WebSocket path with a default of "/ws/terminal".
func (g *GatewayConfig) WSPath() string {
	if g.Path != "" {
		return g.Path
	}
	return "/ws/terminal"
}

// ReadLimit returns the maximum inbound message size with a default of 32 KiB.
func (g *GatewayConfig) ReadLimit() int64 {
	if g.ReadLimitBytes > 0 {
		return g.ReadLimitBytes
	}
	return 32 << 10
}

// RateLimitConfig configures per-client connection rate limiting.
type RateLimitConfig struct {
	ConnectionsPerMinute int `json:"connections_per_minute" yaml:"connections_per_minute"` // 0 = unlimited.
	BurstSize            int `json:"burst_size" yaml:"burst_size"`
}

// ReaperConfig configures the orphan sandbox sweeper.
type ReaperConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron spec. Default: "@every 5m".
}

// IsEnabled reports whether the reaper runs. A nil section means enabled.
func (r *ReaperConfig) IsEnabled() bool {
	return r == nil || r.Enabled
}

// CronSchedule returns the sweep schedule with a default of "@every 5m".
func (r *ReaperConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@every 5m"
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandterm"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeRuntime bool `json:"include_runtime" yaml:"include_runtime"`
}

// AnomalyConfig configures threshold-based failure-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// Default returns a Config with every section at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.sandterm/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sandterm.yaml"
	}
	return filepath.Join(home, ".sandterm", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file is not an error: the broker runs on defaults plus environment overrides.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	default:
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
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Environment variables take precedence.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDTERM_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SANDTERM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SANDTERM_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("SANDTERM_ADMIN_TOKEN"); v != "" {
		c.Gateway.AdminToken = v
	}
	if v := os.Getenv("SANDTERM_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeoutSeconds = n
		}
	}
}

// Addr returns the HTTP listen address with a default of ":8080".
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":8080"
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
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

// MaxTerminalDimension is the largest window size a pseudo-terminal accepts.
const MaxTerminalDimension = 65535

func (c *Config) validate() error {
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Sandbox.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative")
	}
	if c.Session.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("session.idle_timeout_seconds must not be negative")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}
	if c.Terminal.ColsLimit() > MaxTerminalDimension || c.Terminal.RowsLimit() > MaxTerminalDimension {
		return fmt.Errorf("terminal.max_cols and terminal.max_rows must not exceed %d", MaxTerminalDimension)
	}
	if c.Terminal.DefaultCols > c.Terminal.ColsLimit() || c.Terminal.DefaultRows > c.Terminal.RowsLimit() {
		return fmt.Errorf("terminal default geometry exceeds the configured maximum")
	}
	if p := c.Gateway.WSPath(); !strings.HasPrefix(p, "/") {
		return fmt.Errorf("gateway.path %q must start with /", p)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}
