// Package config loads the daemons' YAML configuration. Every value has a
// working default, so a daemon runs with no file at all; environment
// overrides are applied by the cmds on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/weft/wire"
)

// File is the recognized configuration surface.
type File struct {
	Listen        string `yaml:"listen"`                   // Fabric listen address.
	WSListen      string `yaml:"ws_listen,omitempty"`      // Optional WebSocket listen address.
	MetricsListen string `yaml:"metrics_listen,omitempty"` // Optional Prometheus listen address.

	MaxFrameBytes  int           `yaml:"max_frame_bytes,omitempty"`  // Hard cap for a single frame.
	SyncRPCTimeout time.Duration `yaml:"sync_rpc_timeout,omitempty"` // Default bound for synchronous calls.

	RegistryAddr    string `yaml:"registry_addr,omitempty"`    // Registry address; empty means direct mode.
	EnableDiscovery bool   `yaml:"enable_discovery,omitempty"` // Whether callers consult the registry.

	Multiplex bool `yaml:"multiplex,omitempty"` // Accept yamux sessions on the fabric listener.
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Listen:         "127.0.0.1:0",
		MaxFrameBytes:  wire.DefaultMaxFrameBytes,
		SyncRPCTimeout: 1 * time.Second,
	}
}

// Load reads and validates a YAML config file. An empty path returns the
// defaults.
func Load(path string) (*File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	cfg.MaxFrameBytes = wire.ClampFrameCap(cfg.MaxFrameBytes)
	if cfg.SyncRPCTimeout <= 0 {
		cfg.SyncRPCTimeout = 1 * time.Second
	}
	if cfg.EnableDiscovery && cfg.RegistryAddr == "" {
		return nil, fmt.Errorf("config: enable_discovery requires registry_addr")
	}
	return cfg, nil
}
