package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		MaxParallelOCR:      20,
		MaxRetriesPerRef:    3,
		MaxGlobalRetries:    5,
		AlarmInterval:       100 * time.Millisecond,
		OCRCallTimeout:      30 * time.Second,
		OCRProviderEndpoint: "https://ocr.example.org",
		StoreEndpoint:       "https://store.example.org",
		OrchestratorBaseURL: "https://orchestrator.example.org",
		PostgresURL:         "postgres://localhost/chunkocr",
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing ocr endpoint", func(c *Config) { c.OCRProviderEndpoint = "" }},
		{"missing store endpoint", func(c *Config) { c.StoreEndpoint = "" }},
		{"missing orchestrator url", func(c *Config) { c.OrchestratorBaseURL = "" }},
		{"missing postgres url", func(c *Config) { c.PostgresURL = "" }},
		{"zero max parallel", func(c *Config) { c.MaxParallelOCR = 0 }},
		{"zero max retries per ref", func(c *Config) { c.MaxRetriesPerRef = 0 }},
		{"zero max global retries", func(c *Config) { c.MaxGlobalRetries = 0 }},
		{"non-positive alarm interval", func(c *Config) { c.AlarmInterval = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestGetEnvIntOrFallsBackOnInvalidInt(t *testing.T) {
	t.Setenv("CHUNKOCR_TEST_INT", "not-a-number")
	if got := getEnvIntOr("CHUNKOCR_TEST_INT", 7); got != 7 {
		t.Fatalf("getEnvIntOr = %d, want 7", got)
	}
}

func TestGetEnvIntOrParsesValid(t *testing.T) {
	t.Setenv("CHUNKOCR_TEST_INT", "42")
	if got := getEnvIntOr("CHUNKOCR_TEST_INT", 7); got != 42 {
		t.Fatalf("getEnvIntOr = %d, want 42", got)
	}
}

func TestGetEnvOrFallsBackOnEmpty(t *testing.T) {
	if got := getEnvOr("CHUNKOCR_TEST_UNSET_VAR", "fallback"); got != "fallback" {
		t.Fatalf("getEnvOr = %q, want \"fallback\"", got)
	}
}
