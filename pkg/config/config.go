// Package config provides configuration types and defaults for basemate
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the process-level configuration. Required fields are validated
// at startup; a missing API or identity key is a fatal error, not a per-message one.
type Config struct {
	// LLM
	OpenAIKey   string
	Model       string
	Temperature float64
	MaxTokens   int

	// Messaging identity
	IdentityKey string
	Env         string // "production" or "dev"

	// Core pipeline
	RateLimitWindow   time.Duration
	CompletionTimeout time.Duration
	HistoryLimit      int

	// Transport
	ListenAddr string
	RelayURL   string

	// State
	DBPath string // empty disables the transcript archive
	KVDir  string // empty means in-memory cache only

	// Chains
	DefaultChainID int64
	Chains         *ChainRegistry
}

// Defaults
const (
	DefaultRateLimitWindow   = 5 * time.Second
	DefaultCompletionTimeout = 60 * time.Second
	DefaultHistoryLimit      = 10
	DefaultModel             = "gpt-4o-mini"
	DefaultListenAddr        = ":55080"
)

// Load builds a Config from the environment plus an optional chains YAML file.
func Load() (*Config, error) {
	cfg := &Config{
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		Model:             envOr("BASEMATE_MODEL", DefaultModel),
		Temperature:       envFloat("BASEMATE_TEMPERATURE", 0.7),
		MaxTokens:         envInt("BASEMATE_MAX_TOKENS", 1000),
		IdentityKey:       os.Getenv("BASEMATE_IDENTITY_KEY"),
		Env:               envOr("BASEMATE_ENV", "production"),
		RateLimitWindow:   envDuration("BASEMATE_RATE_LIMIT_MS", DefaultRateLimitWindow),
		CompletionTimeout: envDuration("BASEMATE_COMPLETION_TIMEOUT_MS", DefaultCompletionTimeout),
		HistoryLimit:      envInt("BASEMATE_HISTORY_LIMIT", DefaultHistoryLimit),
		ListenAddr:        envOr("BASEMATE_LISTEN_ADDR", DefaultListenAddr),
		RelayURL:          os.Getenv("BASEMATE_RELAY_URL"),
		DBPath:            os.Getenv("BASEMATE_DB_PATH"),
		KVDir:             os.Getenv("BASEMATE_KV_DIR"),
		DefaultChainID:    int64(envInt("BASEMATE_CHAIN_ID", 8453)),
	}

	chains := DefaultChains()
	if path := os.Getenv("BASEMATE_CHAINS_FILE"); path != "" {
		loaded, err := LoadChains(path)
		if err != nil {
			return nil, fmt.Errorf("load chains file: %w", err)
		}
		chains = loaded
	}
	cfg.Chains = chains

	return cfg, cfg.Validate()
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.IdentityKey == "" {
		return fmt.Errorf("BASEMATE_IDENTITY_KEY is required")
	}
	if _, ok := c.Chains.Get(c.DefaultChainID); !ok {
		return fmt.Errorf("default chain %d not present in chain registry", c.DefaultChainID)
	}
	return nil
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	if d := os.Getenv("BASEMATE_DATA_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// envDuration reads a millisecond count from the environment.
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
