package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateIntrospection(); err != nil {
		return err
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateTransport() error {
	switch c.Transport.Scope {
	case "user", "session":
	default:
		return fmt.Errorf("transport.scope: unsupported value %q (want user or session)", c.Transport.Scope)
	}
	if c.Transport.MaxFrameBytes < minFrameBytes || c.Transport.MaxFrameBytes > maxFrameBytesCeiling {
		return fmt.Errorf("transport.max_frame_bytes must be between %d and %d", minFrameBytes, maxFrameBytesCeiling)
	}
	if c.Transport.DialTimeoutMS <= 0 {
		return errors.New("transport.dial_timeout_ms must be positive")
	}
	if c.Transport.ReadTimeoutMS < 0 || c.Transport.WriteTimeoutMS < 0 {
		return errors.New("transport read/write timeouts must not be negative")
	}
	return nil
}

func (c *Config) validateClient() error {
	if c.Client.RequestTimeoutMS <= 0 {
		return errors.New("client.request_timeout_ms must be positive")
	}
	if c.Client.MaxAttempts < 0 {
		return errors.New("client.max_attempts must be zero (unlimited) or positive")
	}
	if c.Client.BackoffInitialMS <= 0 {
		return errors.New("client.backoff_initial_ms must be positive")
	}
	if c.Client.BackoffMultiplier < 1 {
		return errors.New("client.backoff_multiplier must be at least 1")
	}
	if c.Client.BackoffMaxMS < c.Client.BackoffInitialMS {
		return errors.New("client.backoff_max_ms must be at least client.backoff_initial_ms")
	}
	if c.Client.BackoffJitter < 0 || c.Client.BackoffJitter > 1 {
		return errors.New("client.backoff_jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if c.Registry.Shards < 1 || c.Registry.Shards > 1024 {
		return errors.New("registry.shards must be between 1 and 1024")
	}
	if c.Registry.SessionTTLSeconds < 0 {
		return errors.New("registry.session_ttl_seconds must not be negative")
	}
	if c.Registry.SweepIntervalSeconds <= 0 {
		return errors.New("registry.sweep_interval_seconds must be positive")
	}
	if c.Registry.SinkBuffer < 0 {
		return errors.New("registry.sink_buffer must not be negative")
	}
	return nil
}

func (c *Config) validateIntrospection() error {
	if c.Introspection.MaxHops < 1 || c.Introspection.MaxHops > defaultMaxHops {
		return fmt.Errorf("introspection.max_hops must be between 1 and %d", defaultMaxHops)
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if c.Telemetry.Buffer < 1 {
		return errors.New("telemetry.buffer must be positive")
	}
	return nil
}

func (c *Config) validateLedger() error {
	if c.Ledger.RetentionDays < 0 {
		return errors.New("ledger.retention_days must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	return nil
}
