// Package config loads process-wide configuration from the environment.
// It is read once in main and immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port string
	// PGDSN selects the postgres store; empty runs the in-memory ledger
	// (dev mode, no durability).
	PGDSN    string
	LogLevel string
	// EncryptionKey is the secret behind the deterministic card-number
	// cipher. It must stay stable for the lifetime of the data set: changing
	// it orphans every stored encrypted number.
	EncryptionKey string
	// SweepSchedule is a cron expression for the expiry sweep.
	SweepSchedule string
	RateLimitRPS  float64
}

func New() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		PGDSN:         getEnv("PG_DSN", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		SweepSchedule: getEnv("SWEEP_SCHEDULE", "@hourly"),
		RateLimitRPS:  50,
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q", v)
		}
		cfg.RateLimitRPS = rps
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
