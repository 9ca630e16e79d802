package config

const (
	defaultConfigPath           = "~/.config/shellbridge/config.toml"
	defaultStateDir             = "~/.local/state/shellbridge"
	defaultLogDir               = "~/.local/state/shellbridge/logs"
	defaultScope                = "user"
	defaultMaxFrameBytes        = 10 << 20
	maxFrameBytesCeiling        = 10 << 20
	minFrameBytes               = 1 << 10
	defaultDialTimeoutMS        = 2000
	defaultReadTimeoutMS        = 5000
	defaultWriteTimeoutMS       = 5000
	defaultRequestTimeoutMS     = 10000
	defaultMaxAttempts          = 5
	defaultBackoffInitialMS     = 100
	defaultBackoffMultiplier    = 2.0
	defaultBackoffMaxMS         = 5000
	defaultBackoffJitter        = 0.2
	defaultShards               = 16
	defaultSessionTTLSeconds    = 3600
	defaultSweepIntervalSeconds = 30
	defaultSinkBuffer           = 64
	defaultMaxHops              = 32
	defaultTelemetryBuffer      = 256
	defaultLedgerRetentionDays  = 30
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 14
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Transport: Transport{
			Scope:          defaultScope,
			MaxFrameBytes:  defaultMaxFrameBytes,
			DialTimeoutMS:  defaultDialTimeoutMS,
			ReadTimeoutMS:  defaultReadTimeoutMS,
			WriteTimeoutMS: defaultWriteTimeoutMS,
		},
		Client: Client{
			RequestTimeoutMS:  defaultRequestTimeoutMS,
			MaxAttempts:       defaultMaxAttempts,
			BackoffInitialMS:  defaultBackoffInitialMS,
			BackoffMultiplier: defaultBackoffMultiplier,
			BackoffMaxMS:      defaultBackoffMaxMS,
			BackoffJitter:     defaultBackoffJitter,
		},
		Registry: Registry{
			Shards:               defaultShards,
			SessionTTLSeconds:    defaultSessionTTLSeconds,
			SweepIntervalSeconds: defaultSweepIntervalSeconds,
			SinkBuffer:           defaultSinkBuffer,
		},
		Introspection: Introspection{
			MaxHops: defaultMaxHops,
		},
		Telemetry: Telemetry{
			Enabled: true,
			Buffer:  defaultTelemetryBuffer,
			Topics:  []string{"telemetry.*", "telemetry/**"},
		},
		Ledger: Ledger{
			Enabled:       true,
			RetentionDays: defaultLedgerRetentionDays,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
