package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	DatabasePath string // SQLite database file
	RedisURL     string // optional; in-memory limiter when empty

	// Completion API (OpenAI-compatible)
	ProviderBaseURL string
	ProviderAPIKey  string
	Model           string

	// Job search backend
	SearXNGURL string

	// Token budget per stream
	TokenLimit        int
	ThresholdFraction float64
	MaxToolRounds     int // consecutive tool-only round bound
	MaxTokensPerCall  int

	// Timeouts
	ModelCallTimeout time.Duration
	ToolTimeout      time.Duration
	IdleTimeout      time.Duration

	// Concurrency
	MaxStreamsPerUser int
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "./jobpilot.db"),
		RedisURL:     getEnv("REDIS_URL", ""),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		Model:           getEnv("MODEL_ID", "gpt-4o-mini"),

		SearXNGURL: getEnv("SEARXNG_URL", "http://localhost:8080"),

		TokenLimit:        getIntEnv("TOKEN_LIMIT", 200000),
		ThresholdFraction: getFloatEnv("TOKEN_THRESHOLD_FRACTION", 0.95),
		MaxToolRounds:     getIntEnv("MAX_TOOL_ROUNDS", 25),
		MaxTokensPerCall:  getIntEnv("MAX_TOKENS_PER_CALL", 4096),

		ModelCallTimeout: getDurationEnv("MODEL_CALL_TIMEOUT", 120*time.Second),
		ToolTimeout:      getDurationEnv("TOOL_TIMEOUT", 60*time.Second),
		IdleTimeout:      getDurationEnv("IDLE_TIMEOUT", 5*time.Minute),

		MaxStreamsPerUser: getIntEnv("MAX_STREAMS_PER_USER", 2),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
