// Package config builds the Config value threaded through every Launcher
// component. It is constructed once at startup from CLI flags plus an
// optional JSON overlay file and never mutated afterward (spec.md §9,
// "Global settings module" design note), mirroring the teacher's
// pkg/infrastructure/config struct-of-structs shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all Launcher configuration.
type Config struct {
	Store       StoreConfig       `json:"store"`
	Work        WorkConfig        `json:"work"`
	Scheduling  SchedulingConfig  `json:"scheduling"`
	Logging     LoggingConfig     `json:"logging"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

// StoreConfig selects and configures the durable task store (spec.md §4.8).
type StoreConfig struct {
	// Kind is "postgres" or "sqliteproxy".
	Kind string `json:"kind"`

	// PostgresDSN is used when Kind == "postgres".
	PostgresDSN string `json:"postgres_dsn"`
	// ListenChannel is the Postgres NOTIFY channel name used for the
	// non-polling wake-up optimization (SPEC_FULL.md §4.1).
	ListenChannel string `json:"listen_channel"`

	// WriterAddr is the loopback address of the sqlite single-writer
	// process, used when Kind == "sqliteproxy".
	WriterAddr string `json:"writer_addr"`
	// SqlitePath is the sqlite database file, used when Kind == "sqliteproxy".
	SqlitePath string `json:"sqlite_path"`
}

// WorkConfig controls where task working directories are rooted.
type WorkConfig struct {
	RootDirectory string `json:"root_directory"`
}

// SchedulingConfig mirrors the Runner Group / Main Loop tunables of
// spec.md §4.4–§4.5.
type SchedulingConfig struct {
	MaxConcurrentRunners   int           `json:"max_concurrent_runners"`
	RunnerCreationPeriod   time.Duration `json:"runner_creation_period"`
	MaxRanksPerNode        int           `json:"max_ranks_per_node"`
	NodesPerWorker         int           `json:"nodes_per_worker"`
	NumWorkers             int           `json:"num_workers"`
	HostType               string        `json:"host_type"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DiagnosticsConfig controls the optional status/events HTTP surface
// (SPEC_FULL.md §4.5). Addr == "" disables it.
type DiagnosticsConfig struct {
	Addr string `json:"addr"`
}

// Default returns a Config with the same defaults as the original Balsam
// launcher CLI (spec.md §6).
func Default() Config {
	return Config{
		Store: StoreConfig{Kind: "postgres", ListenChannel: "balsam_task_events"},
		Work:  WorkConfig{RootDirectory: "."},
		Scheduling: SchedulingConfig{
			MaxConcurrentRunners: 5,
			RunnerCreationPeriod: 60 * time.Second,
			MaxRanksPerNode:      4,
			NodesPerWorker:       1,
			HostType:             "DEFAULT",
		},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Diagnostics: DiagnosticsConfig{Addr: "127.0.0.1:8321"},
	}
}

// LoadFile overlays JSON-encoded fields from path onto cfg. A missing file
// is not an error; an unparsable one is.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
