package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Config holds tunable limits for parsing and diff reporting.
type Config struct {
	Parser ParserConfig `json:"parser"`
	Diff   DiffConfig   `json:"diff"`
}

// ParserConfig bounds the work a parser will do on one payload.
type ParserConfig struct {
	// MaxDepth caps nesting in recursive plan documents; going past
	// it is treated as an invalid structure.
	MaxDepth int `json:"max_depth"`
}

// DiffConfig shapes diff reports.
type DiffConfig struct {
	// MaxItems truncates each change list; zero keeps everything.
	MaxItems int `json:"max_items"`
}

var (
	mu     sync.RWMutex
	active = Default()
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Parser: ParserConfig{
			MaxDepth: 64,
		},
		Diff: DiffConfig{
			MaxItems: 20,
		},
	}
}

// Active returns the currently applied configuration.
func Active() Config {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// Use replaces the active configuration.
func Use(cfg Config) {
	mu.Lock()
	active = cfg
	mu.Unlock()
}

// Apply loads configuration from the provided path (JSON). Empty path resets to default.
func Apply(path string) error {
	if path == "" {
		Use(Default())
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	Use(cfg)
	return nil
}
