// Package config loads process settings from the environment, optionally
// seeded by a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the gateway settings.
type Config struct {
	APIBaseURL     string
	RequestTimeout time.Duration
	ListenAddr     string
	GRPCAddr       string
	DatabaseDSN    string
	RedisAddr      string
	JWTSecret      string
	JWTAudience    string
	HealthInterval time.Duration
	LogLevel       string
	MaxUploadBytes int64
}

const defaultDSN = "host=postgres user=postgres password=postgres dbname=dactylo port=5432 sslmode=disable"

// Load reads .env when present and then the environment. Malformed
// durations or sizes are reported rather than silently defaulted.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8000"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":9090"),
		DatabaseDSN: getEnv("DATABASE_DSN", defaultDSN),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthInterval, err = getDuration("HEALTH_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", cfg.MaxUploadBytes)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
