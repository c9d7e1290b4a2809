package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	DBPath            string        `mapstructure:"db_path" yaml:"db_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	HeartbeatPeriod   time.Duration `mapstructure:"heartbeat_period" yaml:"heartbeat_period"`
	FlushDelay        time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"`
	FrameBudget       int           `mapstructure:"frame_budget" yaml:"frame_budget"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		DBPath:            "dj.db",
		LogLevel:          "info",
		AllowedOrigins:    []string{"*"},
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		HeartbeatPeriod:   20 * time.Second,
		FlushDelay:        750 * time.Millisecond,
		FrameBudget:       240,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.DBPath != "" {
		c.DBPath = other.DBPath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if len(other.AllowedOrigins) > 0 {
		c.AllowedOrigins = other.AllowedOrigins
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.HeartbeatPeriod != 0 {
		c.HeartbeatPeriod = other.HeartbeatPeriod
	}
	if other.FlushDelay != 0 {
		c.FlushDelay = other.FlushDelay
	}
	if other.FrameBudget != 0 {
		c.FrameBudget = other.FrameBudget
	}
}
