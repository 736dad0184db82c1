package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level application config.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Engine   EngineConfig   `koanf:"engine"`
	Quality  QualityConfig  `koanf:"quality"`
	Assembly AssemblyConfig `koanf:"assembly"`
	Stations StationsConfig `koanf:"stations"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // postgres | sqlite
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type EngineConfig struct {
	MaxRetries        int `koanf:"max_retries"`
	SnapshotCacheSize int `koanf:"snapshot_cache_size"`
}

type QualityConfig struct {
	AllowRework bool `koanf:"allow_rework"`
	MaxFanOut   int  `koanf:"max_fan_out"` // 0 falls back to the identifier format limit
}

type AssemblyConfig struct {
	GatherTimeout  string `koanf:"gather_timeout"` // parsed and validated on startup
	SweepInterval  string `koanf:"sweep_interval"`
	SweepBatchSize int    `koanf:"sweep_batch_size"`
	SweepEnabled   bool   `koanf:"sweep_enabled"`
}

type StationsConfig struct {
	ConfigDir string `koanf:"config_dir"`
	Enforce   bool   `koanf:"enforce"`
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if c.Database.Type != "postgres" && c.Database.Type != "sqlite" {
		return fmt.Errorf("unsupported database.type %q (must be postgres or sqlite)", c.Database.Type)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("engine.max_retries must be > 0")
	}
	if c.Engine.SnapshotCacheSize <= 0 {
		return fmt.Errorf("engine.snapshot_cache_size must be > 0")
	}

	if c.Quality.MaxFanOut < 0 {
		return fmt.Errorf("quality.max_fan_out must be >= 0")
	}

	timeout, err := time.ParseDuration(c.Assembly.GatherTimeout)
	if err != nil {
		return fmt.Errorf("invalid assembly.gather_timeout %q: %w", c.Assembly.GatherTimeout, err)
	}
	if timeout < 0 {
		return fmt.Errorf("assembly.gather_timeout must be >= 0")
	}
	interval, err := time.ParseDuration(c.Assembly.SweepInterval)
	if err != nil {
		return fmt.Errorf("invalid assembly.sweep_interval %q: %w", c.Assembly.SweepInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("assembly.sweep_interval must be > 0")
	}
	if c.Assembly.SweepBatchSize <= 0 {
		return fmt.Errorf("assembly.sweep_batch_size must be > 0")
	}
	if c.Assembly.SweepEnabled && timeout == 0 {
		return fmt.Errorf("assembly.sweep_enabled requires a non-zero assembly.gather_timeout")
	}

	if c.Stations.Enforce && strings.TrimSpace(c.Stations.ConfigDir) == "" {
		return fmt.Errorf("stations.config_dir is required when stations.enforce is set")
	}

	return nil
}

// GatherWindow returns the parsed assembly.gather_timeout. Zero disables the
// timeout transition. Call only after Validate.
func (c AssemblyConfig) GatherWindow() time.Duration {
	d, _ := time.ParseDuration(c.GatherTimeout)
	return d
}

// SweepEvery returns the parsed assembly.sweep_interval. Call only after
// Validate.
func (c AssemblyConfig) SweepEvery() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)
	return d
}

// Load parses config from file + env and validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                8080,
		"server.host":                "0.0.0.0",
		"server.max_body_size_mb":    1,
		"server.mode":                "release",
		"database.type":              "sqlite",
		"database.dsn":               "foldline.db",
		"database.max_open_conns":    25,
		"database.max_idle_conns":    25,
		"database.auto_migrate":      true,
		"engine.max_retries":         3,
		"engine.snapshot_cache_size": 1024,
		"quality.allow_rework":       true,
		"quality.max_fan_out":        0,
		"assembly.gather_timeout":    "4h",
		"assembly.sweep_interval":    "1m",
		"assembly.sweep_batch_size":  100,
		"assembly.sweep_enabled":     true,
		"stations.config_dir":        "./config/stations",
		"stations.enforce":           false,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("FOLDLINE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "FOLDLINE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
