package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nevindra/maestro"
)

// CLIEntry describes how to invoke one kind of agent CLI.
type CLIEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []string `json:"env,omitempty"`
}

// fileConfig is the on-disk shape of the data-dir config.json: the
// effective server section plus the agent CLI registry.
type fileConfig struct {
	Server ServerSection       `json:"server"`
	CLIs   map[string]CLIEntry `json:"clis"`
}

// ServerSection mirrors the effective server settings into config.json
// for operator visibility. It is read-only through the API.
type ServerSection struct {
	Addr    string `json:"addr"`
	DataDir string `json:"data_dir"`
	TmpDir  string `json:"tmp_dir"`
}

// Registry is the agent CLI registry persisted in the data directory's
// config.json. Entries map an agent's cli_type to a runnable command.
// It is safe for concurrent use; PUT /api/config rewrites entries while
// executions resolve against them.
type Registry struct {
	path   string
	server ServerSection

	mu   sync.RWMutex
	clis map[string]CLIEntry
}

// defaultCLIs seeds config.json on first start. The argument vectors
// request streaming JSON-per-line output in autonomous mode, per the
// agent CLI contract.
func defaultCLIs() map[string]CLIEntry {
	return map[string]CLIEntry{
		"claude": {
			Command: "claude",
			Args:    []string{"--print", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"},
		},
		"codex": {
			Command: "codex",
			Args:    []string{"exec", "--json", "--full-auto"},
		},
	}
}

// LoadRegistry reads (or creates with defaults) the data-dir
// config.json and returns the CLI registry.
func LoadRegistry(cfg Config) (*Registry, error) {
	path := filepath.Join(cfg.Storage.DataDir, "config.json")
	r := &Registry{
		path: path,
		server: ServerSection{
			Addr:    cfg.Server.Addr,
			DataDir: cfg.Storage.DataDir,
			TmpDir:  cfg.Storage.TmpDir,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config.json: %w", err)
		}
		r.clis = defaultCLIs()
		if err := r.save(); err != nil {
			return nil, err
		}
		return r, nil
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if len(fc.CLIs) == 0 {
		fc.CLIs = defaultCLIs()
	}
	r.clis = fc.CLIs
	return r, nil
}

// Resolve maps a cli_type to an executor CLI profile. Unknown types are
// a setup error, which the executor classifies as a crash.
func (r *Registry) Resolve(cliType string) (maestro.CLIProfile, error) {
	r.mu.RLock()
	entry, ok := r.clis[cliType]
	r.mu.RUnlock()
	if !ok {
		return maestro.CLIProfile{}, fmt.Errorf("cli_type %q is not registered in config.json", cliType)
	}
	return maestro.CLIProfile{Command: entry.Command, Args: entry.Args, Env: entry.Env}, nil
}

// Server returns the read-only server section.
func (r *Registry) Server() ServerSection {
	return r.server
}

// CLIs returns a copy of the current registry entries.
func (r *Registry) CLIs() map[string]CLIEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]CLIEntry, len(r.clis))
	for k, v := range r.clis {
		out[k] = v
	}
	return out
}

// SetCLIs replaces the registry entries and persists config.json, so
// operators can re-point CLI commands without a restart.
func (r *Registry) SetCLIs(clis map[string]CLIEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.clis
	r.clis = clis
	if err := r.save(); err != nil {
		r.clis = old
		return err
	}
	return nil
}

// save writes config.json. Callers hold r.mu when mutating.
func (r *Registry) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(fileConfig{Server: r.server, CLIs: r.clis}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config.json: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	return nil
}
