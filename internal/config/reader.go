package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Reader loads a Config from a path resolved by a Resolver: read the
// file, unmarshal, then let environment variables override select
// fields.
type Reader struct {
	resolver Resolver
}

// NewReader builds a Reader around the given path resolver.
func NewReader(resolver Resolver) *Reader {
	return &Reader{resolver: resolver}
}

// Read() resolves the config path, loads it, applies env overrides and
// defaults, and validates the result.
func (r *Reader) Read() (*Config, error) {
	path, err := r.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config: resolving path: %w", err)
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("config: file does not exist: %s", path)
		}
		return nil, fmt.Errorf("config: file not accessible: %s: %w", path, statErr)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: file (%s) is unreadable: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: file (%s) is invalid: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg.EnsureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets a handful of operational knobs be flipped via
// environment rather than by editing the config file, which is more
// convenient for container deployments and systemd units.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("TEAVPN2_CONNECT_ADDRESS"); addr != "" {
		cfg.ConnectAddress = addr
	}
	if addr := os.Getenv("TEAVPN2_BIND_ADDRESS"); addr != "" {
		cfg.BindAddress = addr
	}
	switch os.Getenv("TEAVPN2_SOCKET") {
	case "tcp":
		cfg.Socket = TCP
	case "udp":
		cfg.Socket = UDP
	}
}
