package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors keygate.yaml. The mapstructure tags let viper decode
// the merged flag/env/file settings into it for `config show`.
type FileConfig struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Usage     UsageConfig     `yaml:"usage" mapstructure:"usage"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string   `yaml:"host" mapstructure:"host"`
	Port            int      `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the control-plane database.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// AuthConfig controls admin sessions.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	SessionTTL string `yaml:"session_ttl" mapstructure:"session_ttl"`
}

// RateLimitConfig controls the API key gate's limiter.
type RateLimitConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"`
	FailOpen       bool   `yaml:"fail_open" mapstructure:"fail_open"`
	DefaultPerHour int    `yaml:"default_per_hour" mapstructure:"default_per_hour"`
	LoginPerMinute int    `yaml:"login_per_minute" mapstructure:"login_per_minute"`
}

// RedisConfig is used by the redis rate limit backend.
type RedisConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	Password string `yaml:"password" mapstructure:"password"`
}

// UsageConfig sizes the asynchronous usage recorder.
type UsageConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultFileConfig returns the configuration used when nothing is set.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: "30s",
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			SessionTTL: "24h",
		},
		RateLimit: RateLimitConfig{
			Backend:        "ledger",
			FailOpen:       true,
			DefaultPerHour: 1000,
			LoginPerMinute: 10,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Usage: UsageConfig{
			Workers:   2,
			QueueSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c FileConfig) Redacted() FileConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Store.DSN = mask(c.Store.DSN)
	c.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	c.Redis.Password = mask(c.Redis.Password)
	return c
}

// WriteDefaultConfig writes the default configuration to path. An existing
// file is never overwritten.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(DefaultFileConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
