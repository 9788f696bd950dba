// Package config loads server configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	// GridPath points at the daily signal grid CSV.
	GridPath string `mapstructure:"grid_path"`

	// Seed drives synthetic price generation. Runs sharing a seed are
	// reproducible.
	Seed int64 `mapstructure:"seed"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from the optional file at path, then from
// BACKTEST_* environment variables, falling back to defaults. A missing
// file is only an error when a path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("grid_path", "./data/signal_grid.csv")
	v.SetDefault("seed", 42)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("read_timeout", 15*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return &cfg, nil
}
