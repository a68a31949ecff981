// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rovshanmuradov/eventsub/internal/logger"
)

type Config struct {
	Log     logger.Config `mapstructure:"log"`
	Bus     BusConfig     `mapstructure:"bus"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Demo    DemoConfig    `mapstructure:"demo"`
	TUI     bool          `mapstructure:"tui"`
}

type BusConfig struct {
	SweepIntervalMs int `mapstructure:"sweep_interval_ms"`
	AsyncBuffer     int `mapstructure:"async_buffer"`
}

// SweepInterval returns the sweeper period. Zero disables the sweeper.
func (b BusConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalMs) * time.Millisecond
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type DemoConfig struct {
	Publishers int `mapstructure:"publishers"`
	Events     int `mapstructure:"events"`
	IntervalMs int `mapstructure:"interval_ms"`
}

// Interval returns the pause between two events of one publisher.
func (d DemoConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMs) * time.Millisecond
}

const (
	EnvPrefix = "EVENTSUB"

	DefaultSweepIntervalMs = 30000
	DefaultAsyncBuffer     = 256
	DefaultNamespace       = "eventsub"
	DefaultPublishers      = 3
	DefaultEvents          = 10
	DefaultIntervalMs      = 100
)

// LoadConfig reads the configuration at path. An empty path uses defaults
// and environment variables only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	logDefaults := logger.DefaultConfig()
	defaults := map[string]interface{}{
		"log.file":              logDefaults.LogFile,
		"log.max_size":          logDefaults.MaxSize,
		"log.max_age":           logDefaults.MaxAge,
		"log.max_backups":       logDefaults.MaxBackups,
		"log.compress":          logDefaults.Compress,
		"log.development":       logDefaults.Development,
		"log.console":           logDefaults.Console,
		"bus.sweep_interval_ms": DefaultSweepIntervalMs,
		"bus.async_buffer":      DefaultAsyncBuffer,
		"metrics.namespace":     DefaultNamespace,
		"metrics.addr":          "",
		"demo.publishers":       DefaultPublishers,
		"demo.events":           DefaultEvents,
		"demo.interval_ms":      DefaultIntervalMs,
		"tui":                   false,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	loadEnvironmentVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.Log.LogFile == "" {
		return errors.New("log.file is empty")
	}
	if cfg.Log.MaxSize <= 0 {
		return errors.New("invalid log.max_size")
	}
	if cfg.Bus.SweepIntervalMs < 0 {
		return errors.New("invalid bus.sweep_interval_ms")
	}
	if cfg.Bus.AsyncBuffer <= 0 {
		return errors.New("invalid bus.async_buffer")
	}
	if cfg.Metrics.Namespace == "" {
		return errors.New("metrics.namespace is empty")
	}
	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("invalid metrics.addr: %w", err)
		}
	}
	return validateDemo(cfg.Demo)
}

func validateDemo(d DemoConfig) error {
	if d.Publishers < 0 {
		return errors.New("invalid demo.publishers")
	}
	if d.Events < 0 {
		return errors.New("invalid demo.events")
	}
	if d.IntervalMs < 0 {
		return errors.New("invalid demo.interval_ms")
	}
	return nil
}

// loadEnvironmentVariables lets EVENTSUB_BUS_ASYNC_BUFFER and friends
// override file values.
func loadEnvironmentVariables(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
