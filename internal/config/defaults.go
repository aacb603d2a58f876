package config

import (
	"strings"
	"time"
)

const (
	// DefaultPort is the port the RCON listener binds when none is configured.
	DefaultPort = 11412

	// DefaultPermissionLevel is the permission level granted to authenticated sessions.
	DefaultPermissionLevel = 4
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values are replaced with defaults where zero is not a usable setting
//   - Explicit values are preserved
//
// The RCON host, port and permission level are not touched here since an empty host, port 0 (an
// ephemeral port) and level 0 are meaningful. Their defaults apply only when the key is absent from
// every source.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyRCONDefaults(&cfg.RCON)
	applyExecutorDefaults(&cfg.Executor)
	applyMetricsDefaults(&cfg.Metrics)
	applyShutdownTimeoutDefaults(cfg)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	cfg.Format = strings.ToLower(cfg.Format)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyRCONDefaults(cfg *RCONConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2048
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 4096
	}
}

func applyExecutorDefaults(cfg *ExecutorConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
}

// applyMetricsDefaults sets metrics server defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The password is left empty, so the result does not validate until one is set.
func GetDefaultConfig() *Config {
	cfg := &Config{
		RCON: RCONConfig{
			Host:            "127.0.0.1",
			Port:            DefaultPort,
			PermissionLevel: DefaultPermissionLevel,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
