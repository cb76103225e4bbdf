// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the screening service.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	Model ModelConfig

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	InferenceTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// ModelConfig locates the classifier artifact and the runtime that executes it.
type ModelConfig struct {
	Path           string
	LibraryPath    string
	IntraOpThreads int
	LoadAttempts   int
	LoadBackoff    time.Duration
}

// Load reads the configuration, falling back to defaults for unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":9090"),
		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=caries port=5432 sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
		Model: ModelConfig{
			Path:        getEnv("MODEL_PATH", "models/caries_model.onnx"),
			LibraryPath: os.Getenv("ONNXRUNTIME_LIB"),
		},
	}

	var err error
	if cfg.Model.IntraOpThreads, err = getInt("MODEL_INTRA_OP_THREADS", 0); err != nil {
		return nil, err
	}
	if cfg.Model.LoadAttempts, err = getInt("MODEL_LOAD_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Model.LoadAttempts < 1 {
		return nil, fmt.Errorf("MODEL_LOAD_ATTEMPTS must be at least 1, got %d", cfg.Model.LoadAttempts)
	}
	if cfg.Model.LoadBackoff, err = getDuration("MODEL_LOAD_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.InferenceTimeout, err = getDuration("INFERENCE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %s", key, value)
	}
	return d, nil
}
