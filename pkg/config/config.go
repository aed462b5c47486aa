// Package config loads engine configuration from the environment and
// governance profiles from YAML files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// EngineVersion is the semver reported against manifest
	// min_engine_version constraints.
	EngineVersion string

	// DatabaseURL selects the Postgres governance log backend when set.
	DatabaseURL string

	// LedgerPath selects the SQLite governance log backend when set and
	// DatabaseURL is empty. Empty means in-memory only.
	LedgerPath string

	// IndexPath is the SQLite trust index file. Empty means in-memory.
	IndexPath string

	// ProfileDir holds roster and trial policy profiles.
	ProfileDir string

	// TokenSecret is the master secret participant tokens derive from.
	TokenSecret string

	// TrialWindow bounds each consensus trial's ballot collection.
	TrialWindow time.Duration

	// RedisURL enables the distributed rate limiter when set.
	RedisURL string

	// RatePerSecond and RateBurst tune the per-IP ingestion limiter.
	RatePerSecond float64
	RateBurst     int
}

// Load reads configuration from environment variables, with defaults
// suitable for local development.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		EngineVersion: getenv("ENGINE_VERSION", "1.0.0"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		LedgerPath:    os.Getenv("LEDGER_PATH"),
		IndexPath:     os.Getenv("INDEX_PATH"),
		ProfileDir:    getenv("PROFILE_DIR", "profiles"),
		TokenSecret:   os.Getenv("TOKEN_SECRET"),
		TrialWindow:   5 * time.Minute,
		RedisURL:      os.Getenv("REDIS_URL"),
		RatePerSecond: 10,
		RateBurst:     20,
	}

	if raw := os.Getenv("TRIAL_WINDOW"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.TrialWindow = d
		}
	}
	if raw := os.Getenv("RATE_PER_SECOND"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.RatePerSecond = v
		}
	}
	if raw := os.Getenv("RATE_BURST"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.RateBurst = v
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
