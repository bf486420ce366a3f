// Package config holds the lab's tunables with validation and YAML loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config collects the parameters shared by both overlays and the servers.
type Config struct {
	// M is the number of bits in the identifier space.
	M int `yaml:"m"`
	// B is Pastry's digit width in bits (base 2^b).
	B int `yaml:"b"`
	// LeafSetSize is Pastry's L; each leaf half holds L/2 peers.
	LeafSetSize int `yaml:"leaf_set"`
	// Order is the B+ tree order of every local index.
	Order int `yaml:"btree_order"`
	// Timeout bounds one HTTP or WebSocket request/reply exchange.
	Timeout time.Duration `yaml:"http_timeout"`
	// Seed drives deterministic workload generation.
	Seed int64 `yaml:"seed"`
}

// Default returns the lab defaults: m=16, b=4, L=8, order 4, 5 s timeout.
func Default() Config {
	return Config{
		M:           16,
		B:           4,
		LeafSetSize: 8,
		Order:       4,
		Timeout:     5 * time.Second,
		Seed:        42,
	}
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	if c.M < 1 {
		return fmt.Errorf("%w: m must be at least 1, got %d", ErrInvalid, c.M)
	}
	if c.B < 1 {
		return fmt.Errorf("%w: b must be at least 1, got %d", ErrInvalid, c.B)
	}
	if c.B > c.M {
		return fmt.Errorf("%w: b (%d) must not exceed m (%d)", ErrInvalid, c.B, c.M)
	}
	if c.LeafSetSize < 2 {
		return fmt.Errorf("%w: leaf set size must be at least 2, got %d", ErrInvalid, c.LeafSetSize)
	}
	if c.Order < 3 {
		return fmt.Errorf("%w: btree order must be at least 3, got %d", ErrInvalid, c.Order)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalid, c.Timeout)
	}
	return nil
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
