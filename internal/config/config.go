// Package config loads docuflow configuration from environment variables
// and sets up logging.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// Server
	ListenAddr string

	// Store: "memory" or "redis"
	StoreBackend string
	RedisURL     string

	// Processor: "llm" or "remote"
	ProcessorBackend string
	ProcessorURL     string
	LLMModel         string

	// Pipeline and batching
	Concurrency    int
	ProcessTimeout time.Duration

	// Webhook delivery
	WebhookTimeout      time.Duration
	WebhookMaxAttempts  int
	DeactivateThreshold int

	// Format graph overrides (optional YAML file)
	FormatTablePath string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		ListenAddr: getEnv("DOCUFLOW_LISTEN_ADDR", ":8480"),

		StoreBackend: getEnv("DOCUFLOW_STORE", "memory"),
		RedisURL:     getEnv("DOCUFLOW_REDIS_URL", "redis://localhost:6379/0"),

		ProcessorBackend: getEnv("DOCUFLOW_PROCESSOR", "llm"),
		ProcessorURL:     getEnv("DOCUFLOW_PROCESSOR_URL", "http://localhost:8580/process"),
		LLMModel:         getEnv("DOCUFLOW_LLM_MODEL", ""),

		Concurrency:    getEnvInt("DOCUFLOW_CONCURRENCY", 4),
		ProcessTimeout: getEnvDuration("DOCUFLOW_PROCESS_TIMEOUT", 2*time.Minute),

		WebhookTimeout:      getEnvDuration("DOCUFLOW_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxAttempts:  getEnvInt("DOCUFLOW_WEBHOOK_MAX_ATTEMPTS", 5),
		DeactivateThreshold: getEnvInt("DOCUFLOW_WEBHOOK_DEACTIVATE_AFTER", 10),

		FormatTablePath: getEnv("DOCUFLOW_FORMAT_TABLE", ""),

		LogFile:  getEnv("DOCUFLOW_LOG_FILE", "/tmp/docuflow.log"),
		LogLevel: parseLogLevel(getEnv("DOCUFLOW_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
