// Package config loads and validates the rcond daemon configuration.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/schultz-is/rcond"
)

// Config represents the rcond configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (RCOND_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// RCON configures the protocol listener
	RCON RCONConfig `mapstructure:"rcon" yaml:"rcon"`

	// Executor configures how commands are run
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for sessions to close on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// RCONConfig configures the RCON listener and its sessions.
type RCONConfig struct {
	// Host is the interface to bind. Default: 127.0.0.1
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the TCP port to bind; 0 picks an ephemeral port. Default: 11412
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// Password must be presented by clients before they may run commands.
	// Override: RCOND_RCON_PASSWORD
	Password string `mapstructure:"password" validate:"required" yaml:"password"`

	// PermissionLevel is handed to the executor with every command. Default: 4
	PermissionLevel int `mapstructure:"permission_level" validate:"min=0,max=4" yaml:"permission_level"`

	// Timeout bounds the wait for each inbound packet. Plain numbers are read as seconds.
	// Default: 500ms
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`

	// ChunkSize is the largest body of a single response packet. Default: 2048
	ChunkSize int `mapstructure:"chunk_size" validate:"min=16,max=65536" yaml:"chunk_size"`

	// MaxPacketSize bounds inbound packets. Default: 4096
	MaxPacketSize int `mapstructure:"max_packet_size" validate:"min=16" yaml:"max_packet_size"`

	// MaxConnections caps concurrent sessions; 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// LogAuthPackets logs inbound passwords at debug level. Never enable in production.
	LogAuthPackets bool `mapstructure:"log_auth_packets" yaml:"log_auth_packets"`
}

// ExecutorConfig configures the program commands are handed to.
type ExecutorConfig struct {
	// Program is the executable run once per command, with the command text as its last argument.
	// When empty, commands are echoed back.
	Program string `mapstructure:"program" yaml:"program"`

	// Args are passed to Program before the command text.
	Args []string `mapstructure:"args" yaml:"args,omitempty"`

	// Dir is the working directory of Program. Default: current directory
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`

	// Timeout bounds a single command run. Default: 10s
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the interface the metrics server binds. Default: 127.0.0.1
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ServerConfig converts the RCON section into a server configuration. Logger, metrics and tracing
// are left for the caller to attach.
func (c RCONConfig) ServerConfig() rcon.ServerConfig {
	return rcon.ServerConfig{
		Host:            c.Host,
		Port:            c.Port,
		Password:        c.Password,
		PermissionLevel: c.PermissionLevel,
		ReadTimeout:     c.Timeout,
		ChunkSize:       c.ChunkSize,
		MaxPacketSize:   c.MaxPacketSize,
		MaxConnections:  c.MaxConnections,
		LogAuthPackets:  c.LogAuthPackets,
	}
}

// Redacted returns a copy of the configuration that is safe to print.
func (c Config) Redacted() Config {
	if c.RCON.Password != "" {
		c.RCON.Password = "********"
	}
	c.Executor.Args = append([]string(nil), c.Executor.Args...)
	return c
}

// Load loads configuration from file, environment, and defaults, then validates it.
//
// An empty configPath uses the default location. A missing file is not an error: defaults and
// environment variables still apply, though validation then requires at least a password.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q check (value: %v)", fe.Namespace(), fe.Tag(), redactField(fe)))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func redactField(fe validator.FieldError) any {
	if fe.Field() == "Password" {
		return "<redacted>"
	}
	return fe.Value()
}

// SaveConfig saves the configuration to the specified file path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds the RCON password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// InitConfig writes a default configuration with a freshly generated password to the default
// location and returns its path.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a default configuration with a freshly generated password to path. An
// existing file is only replaced when force is set.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	password, err := generatePassword()
	if err != nil {
		return fmt.Errorf("failed to generate password: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.RCON.Password = password
	return SaveConfig(cfg, path)
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use RCOND_ prefix and underscores
	// Example: RCOND_RCON_PASSWORD=hunter2
	v.SetEnvPrefix("RCOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults make every key known to viper so environment overrides reach Unmarshal.
	setViperDefaults(v, GetDefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getConfigDir())
	}
}

func setViperDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("rcon.host", d.RCON.Host)
	v.SetDefault("rcon.port", d.RCON.Port)
	v.SetDefault("rcon.password", d.RCON.Password)
	v.SetDefault("rcon.permission_level", d.RCON.PermissionLevel)
	v.SetDefault("rcon.timeout", d.RCON.Timeout)
	v.SetDefault("rcon.chunk_size", d.RCON.ChunkSize)
	v.SetDefault("rcon.max_packet_size", d.RCON.MaxPacketSize)
	v.SetDefault("rcon.max_connections", d.RCON.MaxConnections)
	v.SetDefault("rcon.log_auth_packets", d.RCON.LogAuthPackets)
	v.SetDefault("executor.program", d.Executor.Program)
	v.SetDefault("executor.args", []string{})
	v.SetDefault("executor.dir", d.Executor.Dir)
	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.host", d.Metrics.Host)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

// readConfigFile reads the configuration file, reporting whether one was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook returns a mapstructure decode hook that converts strings like "30s" to
// time.Duration. Plain numbers are read as seconds, so `timeout: 0.5` means half a second.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "rcond")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "rcond")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
