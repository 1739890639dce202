package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != "127.0.0.1:8765" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Pool.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d", cfg.Pool.MaxConcurrent)
	}
	if cfg.Recovery.SweepInterval.Value() != 5*time.Minute {
		t.Errorf("sweep_interval = %v", cfg.Recovery.SweepInterval.Value())
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.toml")
	body := `
[server]
addr = "0.0.0.0:9000"

[storage]
data_dir = "/var/lib/maestro"

[store]
driver = "postgres"
dsn = "postgres://maestro@localhost/maestro"

[pool]
max_concurrent = 8

[log]
level = "debug"

[recovery]
sweep_interval = "90s"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.DataDir != "/var/lib/maestro" {
		t.Errorf("data_dir = %q", cfg.Storage.DataDir)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Pool.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d", cfg.Pool.MaxConcurrent)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	if cfg.Recovery.SweepInterval.Value() != 90*time.Second {
		t.Errorf("sweep_interval = %v", cfg.Recovery.SweepInterval.Value())
	}
	// Untouched sections keep defaults.
	if cfg.Storage.TmpDir == "" {
		t.Error("tmp_dir lost its default")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.toml")
	if err := os.WriteFile(path, []byte("[server]\naddr = \"127.0.0.1:1111\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MAESTRO_ADDR", "127.0.0.1:2222")
	t.Setenv("MAESTRO_MAX_CONCURRENT", "5")
	t.Setenv("MAESTRO_SWEEP_INTERVAL", "2m")

	cfg := Load(path)
	if cfg.Server.Addr != "127.0.0.1:2222" {
		t.Errorf("addr = %q, env must win", cfg.Server.Addr)
	}
	if cfg.Pool.MaxConcurrent != 5 {
		t.Errorf("max_concurrent = %d", cfg.Pool.MaxConcurrent)
	}
	if cfg.Recovery.SweepInterval.Value() != 2*time.Minute {
		t.Errorf("sweep_interval = %v", cfg.Recovery.SweepInterval.Value())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Server.Addr != Default().Server.Addr {
		t.Errorf("addr = %q, want default", cfg.Server.Addr)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/data"
	cfg.Storage.TmpDir = "/tmp"

	if got := cfg.DatabasePath(); got != "/data/maestro.db" {
		t.Errorf("DatabasePath() = %q", got)
	}
	if got := cfg.AttachmentDir(); got != "/data/attachments" {
		t.Errorf("AttachmentDir() = %q", got)
	}
	if got := cfg.SandboxRoot(); got != "/tmp/maestro" {
		t.Errorf("SandboxRoot() = %q", got)
	}
}
