// Package config holds the core's configuration surface, loaded from
// YAML with github.com/goccy/go-yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration structure for the entry ingest core
// and the demo process that wires it to a shared log backend.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Entry  EntryConfig  `yaml:"entry"`
	Raft   RaftConfig   `yaml:"raft"`
}

// ServerConfig is the HTTP shared-log server's listen configuration.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// EntryConfig holds the entry service's tunables.
type EntryConfig struct {
	IntentionCacheCap int           `yaml:"intention_cache_cap"`
	TailPollInterval  time.Duration `yaml:"tail_poll_interval"`
}

// RaftConfig configures the raft-backed shared log reference
// implementation, when that backend is selected.
type RaftConfig struct {
	ID      uint64       `yaml:"id"`
	Peers   []PeerConfig `yaml:"peers"`
	ZKAddrs []string     `yaml:"zk_addrs"`
	ZKPath  string       `yaml:"zk_path"`
}

// PeerConfig names one raft cluster member.
type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// LoggerConfig configures the process-wide slog handler.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Entry: EntryConfig{
			IntentionCacheCap: 16,
			TailPollInterval:  time.Millisecond,
		},
		Raft: RaftConfig{
			ID:     1,
			ZKPath: "/cruzdb/peers",
		},
	}
}

// Load reads a YAML config file at path, starting from Default so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	blob, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(blob, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
