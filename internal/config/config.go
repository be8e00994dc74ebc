// Package config reads process configuration from the environment, with
// optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr   string
	DBPath string
	Env    string // "development" or "production"

	PollCeiling   time.Duration
	ClaimGrace    time.Duration
	ShutdownGrace time.Duration

	DispatchWorkers int
	DispatchQueue   int
	MaxAttempts     int
	AttemptTimeout  time.Duration
	BackoffBase     time.Duration
	DispatchRPS     float64
}

func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		Addr:   getEnv("HOOKFLOW_ADDR", ":8080"),
		DBPath: getEnv("HOOKFLOW_DB", "hookflow.db"),
		Env:    getEnv("APP_ENV", "development"),
	}

	var err error
	if cfg.PollCeiling, err = getDuration("HOOKFLOW_POLL_CEILING", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ClaimGrace, err = getDuration("HOOKFLOW_CLAIM_GRACE", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = getDuration("HOOKFLOW_SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DispatchWorkers, err = getInt("HOOKFLOW_DISPATCH_WORKERS", 8); err != nil {
		return Config{}, err
	}
	if cfg.DispatchQueue, err = getInt("HOOKFLOW_DISPATCH_QUEUE", 64); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = getInt("HOOKFLOW_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.AttemptTimeout, err = getDuration("HOOKFLOW_ATTEMPT_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BackoffBase, err = getDuration("HOOKFLOW_BACKOFF_BASE", 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.DispatchRPS, err = getFloat("HOOKFLOW_DISPATCH_RPS", 0); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a valid duration", key, v)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a valid integer", key, v)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a valid number", key, v)
	}
	return f, nil
}
