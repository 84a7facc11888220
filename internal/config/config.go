package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const defaultSystemPrompt = "You are MERLIN, an expert in software testing and metamorphic testing. Your goal is to help users identify metamorphic relations from their software descriptions."

// Config contains all runtime settings for the MERLIN service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	Model          string
	SystemPrompt   string
	DriverLanguage string

	GatewayMode   string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	GeminiBaseURL string
	GeminiAPIKey  string

	DataDir     string
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "merlin"),
		AllowAnyOrigin:   false,
		Model:            envOrDefault("MERLIN_MODEL", "gemini-2.5-flash"),
		SystemPrompt:     envOrDefault("MERLIN_SYSTEM_PROMPT", defaultSystemPrompt),
		DriverLanguage:   envOrDefault("MERLIN_DRIVER_LANGUAGE", "Python"),
		GatewayMode:      envOrDefault("MERLIN_GATEWAY_MODE", "auto"),
		OpenAIBaseURL:    envTrimmed("OPENAI_BASE_URL"),
		OpenAIAPIKey:     envTrimmed("OPENAI_API_KEY"),
		GeminiBaseURL:    envTrimmed("GEMINI_BASE_URL"),
		GeminiAPIKey:     envTrimmed("GEMINI_API_KEY"),
		DataDir:          envOrDefault("MERLIN_DATA_DIR", ".merlin"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.GatewayMode)) {
	case "auto", "openai", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("MERLIN_GATEWAY_MODE must be one of auto|openai|gemini|mock, got %q", cfg.GatewayMode)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("MERLIN_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.DriverLanguage) == "" {
		return Config{}, fmt.Errorf("MERLIN_DRIVER_LANGUAGE must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
