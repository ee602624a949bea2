package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultHTTPPort          = "8080"
	defaultSQLitePath        = "dts.db"
	defaultApprovalTimeout   = 24 * time.Hour
	defaultSignalRetention   = 24 * time.Hour
	defaultWorkerConcurrency = 4
)

type Config struct {
	HTTPPort string

	// SessionPoolURL is the code-interpreter session pool endpoint.
	SessionPoolURL string

	// SessionPoolToken is a static bearer token for the session pool.
	// Empty means requests go out unauthenticated.
	SessionPoolToken string

	// SQLitePath is the engine database file. Used unless PostgresDSN
	// is set.
	SQLitePath string

	// PostgresDSN, if set, moves instance, history and signal storage
	// to PostgreSQL.
	PostgresDSN string

	// RedisAddr, if set, moves the early-signal buffer to Redis.
	RedisAddr string

	ApprovalTimeout   time.Duration
	SignalRetention   time.Duration
	WorkerConcurrency int
}

func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          getenv("HTTP_PORT", defaultHTTPPort),
		SessionPoolURL:    os.Getenv("SESSION_POOL_URL"),
		SessionPoolToken:  os.Getenv("SESSION_POOL_TOKEN"),
		SQLitePath:        getenv("SQLITE_PATH", defaultSQLitePath),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		ApprovalTimeout:   getenvDuration("APPROVAL_TIMEOUT", defaultApprovalTimeout),
		SignalRetention:   getenvDuration("SIGNAL_RETENTION", defaultSignalRetention),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", defaultWorkerConcurrency),
	}

	if cfg.SessionPoolURL == "" {
		return Config{}, fmt.Errorf("SESSION_POOL_URL is required")
	}

	return cfg, nil
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
