package config

import (
	"fmt"
	"os"
	"strings"
)

// EnvTelemetry disables telemetry forwarding when set to 0, false, or off.
const EnvTelemetry = "SHELLBRIDGE_TELEMETRY"

// EnvRuntimeDir overrides paths.runtime_dir.
const EnvRuntimeDir = "SHELLBRIDGE_RUNTIME_DIR"

// EnvLogLevel overrides logging.level.
const EnvLogLevel = "SHELLBRIDGE_LOG_LEVEL"

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTransport()
	c.normalizeIntrospection()
	c.normalizeTelemetry()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(EnvRuntimeDir); ok && strings.TrimSpace(value) != "" {
		c.Paths.RuntimeDir = strings.TrimSpace(value)
	}
	var err error
	if c.Paths.RuntimeDir, err = expandPath(strings.TrimSpace(c.Paths.RuntimeDir)); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTransport() {
	c.Transport.Scope = strings.ToLower(strings.TrimSpace(c.Transport.Scope))
	if c.Transport.Scope == "" {
		c.Transport.Scope = defaultScope
	}
	if c.Transport.MaxFrameBytes == 0 {
		c.Transport.MaxFrameBytes = defaultMaxFrameBytes
	}
}

func (c *Config) normalizeIntrospection() {
	c.Introspection.Shells = cleanList(c.Introspection.Shells)
	c.Introspection.Terminals = cleanList(c.Introspection.Terminals)
	if c.Introspection.MaxHops == 0 {
		c.Introspection.MaxHops = defaultMaxHops
	}
}

func (c *Config) normalizeTelemetry() {
	if value, ok := os.LookupEnv(EnvTelemetry); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "0", "false", "off", "no":
			c.Telemetry.Enabled = false
		}
	}
	c.Telemetry.Topics = cleanList(c.Telemetry.Topics)
	if c.Telemetry.Buffer == 0 {
		c.Telemetry.Buffer = defaultTelemetryBuffer
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv(EnvLogLevel); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func cleanList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
