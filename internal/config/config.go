// Package config provides configuration for the chat server.
package config

import (
	"os"
	"strconv"
	"time"
)

// DefaultSystemPrompt seeds every new session's prompt history.
const DefaultSystemPrompt = "You are a helpful assistant that speaks Hungarian."

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Completion settings
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Retrieval settings
	RetrievalURL string // empty disables retrieval augmentation

	// File management settings
	UploadDir    string
	DatabasePath string

	// Session settings
	SystemPrompt  string
	SessionTTL    time.Duration
	EvictInterval time.Duration

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 5001),
		LLMBaseURL:     getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:      getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-3.5-turbo"),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT_MS", 120000)) * time.Millisecond,
		RetrievalURL:   getEnv("RETRIEVAL_URL", ""),
		UploadDir:      getEnv("UPLOAD_DIR", "_databricks/uploads"),
		DatabasePath:   getEnv("DATABASE_PATH", "_databricks/documents.db"),
		SystemPrompt:   getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		SessionTTL:     time.Duration(getEnvInt("SESSION_TTL_S", 86400)) * time.Second,
		EvictInterval:  time.Duration(getEnvInt("SESSION_EVICT_INTERVAL_S", 600)) * time.Second,
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
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
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
