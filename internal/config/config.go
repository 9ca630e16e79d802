package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	// RuntimeDir holds the socket directory. Empty means $XDG_RUNTIME_DIR,
	// falling back to the system temp dir.
	RuntimeDir string `toml:"runtime_dir"`
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
}

// Transport contains socket and framing configuration.
type Transport struct {
	Scope          string `toml:"scope"`
	MaxFrameBytes  int    `toml:"max_frame_bytes"`
	DialTimeoutMS  int    `toml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `toml:"read_timeout_ms"`
	WriteTimeoutMS int    `toml:"write_timeout_ms"`
}

// Client contains request and reconnection settings for CLI clients.
type Client struct {
	RequestTimeoutMS  int     `toml:"request_timeout_ms"`
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffInitialMS  int     `toml:"backoff_initial_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffMaxMS      int     `toml:"backoff_max_ms"`
	BackoffJitter     float64 `toml:"backoff_jitter"`
}

// Registry contains session registry settings for the daemon.
type Registry struct {
	Shards               int `toml:"shards"`
	SessionTTLSeconds    int `toml:"session_ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	SinkBuffer           int `toml:"sink_buffer"`
}

// Introspection contains process tree walking settings.
type Introspection struct {
	MaxHops   int      `toml:"max_hops"`
	Shells    []string `toml:"shells"`
	Terminals []string `toml:"terminals"`
}

// Telemetry contains event forwarding settings.
type Telemetry struct {
	Enabled bool     `toml:"enabled"`
	Buffer  int      `toml:"buffer"`
	Topics  []string `toml:"topics"`
}

// Ledger contains session history settings.
type Ledger struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for shellbridge.
//
// Configuration sections by subsystem:
//   - Paths: runtime, state, and log directories
//   - Transport: socket scope, frame ceiling, and I/O timeouts
//   - Client: request timeout and reconnect backoff
//   - Registry: sharding, idle TTL, and sweep cadence
//   - Introspection: process tree walk limits and signatures
//   - Telemetry: event forwarding opt-in and topic patterns
//   - Ledger: session history retention
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Transport     Transport     `toml:"transport"`
	Client        Client        `toml:"client"`
	Registry      Registry      `toml:"registry"`
	Introspection Introspection `toml:"introspection"`
	Telemetry     Telemetry     `toml:"telemetry"`
	Ledger        Ledger        `toml:"ledger"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strings.TrimSpace(strict.String()))
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("shellbridge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories the daemon writes
// to. The socket directory is owned by the transport layer.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath is the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "shellbridge.lock")
}

// PIDPath is the file holding the running daemon's pid.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "shellbridge.pid")
}

// TokenPath is the shared secret clients present during the handshake.
func (c *Config) TokenPath() string {
	return filepath.Join(c.Paths.StateDir, "auth.token")
}

// LedgerPath is the sqlite session history database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "sessions.db")
}

// TelemetryPath is the journal receiving forwarded events.
func (c *Config) TelemetryPath() string {
	return filepath.Join(c.Paths.StateDir, "telemetry.jsonl")
}

// DaemonLogPath is the daemon's log file.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Paths.LogDir, "shellbridge.log")
}

func (c *Config) DialTimeout() time.Duration {
	return millis(c.Transport.DialTimeoutMS)
}

func (c *Config) ReadTimeout() time.Duration {
	return millis(c.Transport.ReadTimeoutMS)
}

func (c *Config) WriteTimeout() time.Duration {
	return millis(c.Transport.WriteTimeoutMS)
}

func (c *Config) RequestTimeout() time.Duration {
	return millis(c.Client.RequestTimeoutMS)
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Registry.SessionTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepIntervalSeconds) * time.Second
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders c as TOML, as used by `shellbridge config show`.
func (c *Config) Encode() ([]byte, error) {
	var buf strings.Builder
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return []byte(buf.String()), nil
}
