// Package config holds the two configuration layers of the server: the
// operator bootstrap (TOML file plus MAESTRO_* env overrides) and the
// data-dir config.json carrying the agent CLI registry.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Store     StoreConfig     `toml:"store"`
	Pool      PoolConfig      `toml:"pool"`
	Log       LogConfig       `toml:"log"`
	Recovery  RecoveryConfig  `toml:"recovery"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"` // database, config.json, attachments/
	TmpDir  string `toml:"tmp_dir"`  // executions/<id> sandboxes
}

type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `toml:"dsn"`    // postgres connection string
}

type PoolConfig struct {
	MaxConcurrent int `toml:"max_concurrent"` // 0 = unlimited
}

type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

type RecoveryConfig struct {
	SweepInterval duration `toml:"sweep_interval"` // 0 disables the sweeper
}

type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"` // OTLP/HTTP endpoint; empty disables
}

// duration wraps time.Duration so TOML values like "5m" decode.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Value returns the wrapped time.Duration.
func (d duration) Value() time.Duration { return time.Duration(d) }

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server:   ServerConfig{Addr: "127.0.0.1:8765"},
		Storage:  StorageConfig{DataDir: filepath.Join(home, ".maestro"), TmpDir: os.TempDir()},
		Store:    StoreConfig{Driver: "sqlite"},
		Pool:     PoolConfig{MaxConcurrent: 3},
		Log:      LogConfig{Level: "info"},
		Recovery: RecoveryConfig{SweepInterval: duration(5 * time.Minute)},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "maestro.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MAESTRO_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MAESTRO_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MAESTRO_TMP_DIR"); v != "" {
		cfg.Storage.TmpDir = v
	}
	if v := os.Getenv("MAESTRO_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("MAESTRO_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("MAESTRO_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Pool.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MAESTRO_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.SweepInterval = duration(d)
		}
	}
	if v := os.Getenv("MAESTRO_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}

	return cfg
}

// DatabasePath is the SQLite database file inside the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, "maestro.db")
}

// AttachmentDir is the attachment blob directory inside the data
// directory.
func (c Config) AttachmentDir() string {
	return filepath.Join(c.Storage.DataDir, "attachments")
}

// SandboxRoot is the base directory for per-execution sandboxes.
func (c Config) SandboxRoot() string {
	return filepath.Join(c.Storage.TmpDir, "maestro")
}
