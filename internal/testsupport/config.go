package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"shellbridge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The base directory lives under the system temp dir with a short name so
// socket paths stay under the sun_path limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base, err := os.MkdirTemp("", "sbt")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfgVal := config.Default()
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Registry.SweepIntervalSeconds = 0
	cfgVal.Client.BackoffInitialMS = 5
	cfgVal.Client.BackoffMaxMS = 40
	cfgVal.Client.MaxAttempts = 4
	cfgVal.Client.RequestTimeoutMS = 3000

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithoutLedger disables session history.
func WithoutLedger() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ledger.Enabled = false
	}
}

// WithoutTelemetry disables the telemetry journal.
func WithoutTelemetry() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Telemetry.Enabled = false
	}
}

// WithTelemetryTopics replaces the telemetry topic patterns.
func WithTelemetryTopics(patterns ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Telemetry.Enabled = true
		b.cfg.Telemetry.Topics = patterns
	}
}

// SocketPath returns a daemon socket path inside the test's base directory.
func SocketPath(cfg *config.Config) string {
	return filepath.Join(BaseDir(cfg), "d.sock")
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
