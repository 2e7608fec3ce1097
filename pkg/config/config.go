// Package config provides YAML-based configuration loading for pipemesh.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pipemesh/pkg/api"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the agent
	AppName string `mapstructure:"app_name" yaml:"app_name"`

	// PayloadID is the identifier the agent presents before the controller
	// assigns a callback id. Generated when empty.
	PayloadID string `mapstructure:"payload_id" yaml:"payload_id"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Profile configures the upstream channel.
	Profile ProfileConfig `mapstructure:"profile" yaml:"profile"`

	// Peers are links to open towards other agents at startup.
	Peers []PeerConfig `mapstructure:"peers" yaml:"peers"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "pipemesh-agent",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pipemesh.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Profile: DefaultProfile(),
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PIPEMESH and `.`/`-` are replaced with `_`.
// Example: PIPEMESH_PROFILE_PIPE_NAME=updater
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PIPEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("payload_id", cfg.PayloadID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	cfg.Profile.setDefaults(v, "profile")
	v.SetDefault("peers", []PeerConfig{})

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("PIPEMESH_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `pipemesh`
		v.SetConfigName("pipemesh")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pipemesh"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Log.Level = lvl

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	c.PayloadID = strings.TrimSpace(c.PayloadID)
	if err := c.Profile.validate(); err != nil {
		return err
	}
	for i := range c.Peers {
		if err := c.Peers[i].validate(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Encode renders cfg as YAML in the same shape Load reads.
func Encode(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// PeerInformation converts the configured peer links.
func (c *Config) PeerInformation() []api.PeerInformation {
	out := make([]api.PeerInformation, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, p.Information())
	}
	return out
}
