// Package config implements environment-driven configuration for the
// chunk worker process: a flat struct with one Validate method checking
// every required field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the worker reads at startup.
type Config struct {
	HTTPAddr string // address the public interface listens on

	MaxParallelOCR   int           // MAX_PARALLEL_OCR, default 20
	MaxRetriesPerRef int           // MAX_RETRIES_PER_REF, default 3
	MaxGlobalRetries int           // MAX_GLOBAL_RETRIES, default 5
	AlarmInterval    time.Duration // ALARM_INTERVAL_MS, default 100ms
	OCRCallTimeout   time.Duration // per-call timeout for the OCR provider

	OCRProviderEndpoint string
	OCRProviderAPIKey   string

	StoreEndpoint string
	StoreAPIKey   string

	OrchestratorBaseURL string // base for POST {orchestrator}/callback/ocr/{batch_id}

	PostgresURL string // pgx connection string for the persistence layer
}

// Load reads Config from the environment, applying defaults for
// anything unset.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:            getEnvOr("HTTP_ADDR", ":8080"),
		MaxParallelOCR:      getEnvIntOr("MAX_PARALLEL_OCR", 20),
		MaxRetriesPerRef:    getEnvIntOr("MAX_RETRIES_PER_REF", 3),
		MaxGlobalRetries:    getEnvIntOr("MAX_GLOBAL_RETRIES", 5),
		AlarmInterval:       time.Duration(getEnvIntOr("ALARM_INTERVAL_MS", 100)) * time.Millisecond,
		OCRCallTimeout:      time.Duration(getEnvIntOr("OCR_CALL_TIMEOUT_MS", 30_000)) * time.Millisecond,
		OCRProviderEndpoint: os.Getenv("OCR_PROVIDER_ENDPOINT"),
		OCRProviderAPIKey:   os.Getenv("OCR_PROVIDER_API_KEY"),
		StoreEndpoint:       os.Getenv("STORE_ENDPOINT"),
		StoreAPIKey:         os.Getenv("STORE_API_KEY"),
		OrchestratorBaseURL: os.Getenv("ORCHESTRATOR_BASE_URL"),
		PostgresURL:         os.Getenv("DATABASE_URL"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every required field, one check per field.
func (c Config) Validate() error {
	if c.OCRProviderEndpoint == "" {
		return fmt.Errorf("OCR_PROVIDER_ENDPOINT is required")
	}
	if c.StoreEndpoint == "" {
		return fmt.Errorf("STORE_ENDPOINT is required")
	}
	if c.OrchestratorBaseURL == "" {
		return fmt.Errorf("ORCHESTRATOR_BASE_URL is required")
	}
	if c.PostgresURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MaxParallelOCR < 1 {
		return fmt.Errorf("MAX_PARALLEL_OCR must be at least 1")
	}
	if c.MaxRetriesPerRef < 1 {
		return fmt.Errorf("MAX_RETRIES_PER_REF must be at least 1")
	}
	if c.MaxGlobalRetries < 1 {
		return fmt.Errorf("MAX_GLOBAL_RETRIES must be at least 1")
	}
	if c.AlarmInterval <= 0 {
		return fmt.Errorf("ALARM_INTERVAL_MS must be positive")
	}
	return nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOr(key string, fallback int) int {
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
