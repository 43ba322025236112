// Package config provides environment configuration for the chat shell.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// JWT settings; auth is disabled when the secret is empty.
	JWTSecret string

	// LLM settings
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	DefaultProvider string
	DefaultModel    string
	Temperature     float64
	MaxTokens       int
	MaxToolRounds   int
	ShowThinking    bool

	// Streaming settings. BufferCapacity bounds the per-session event log:
	// once exceeded the oldest events are evicted and reconnects asking for
	// evicted offsets get an explicit overflow notice, so slow clients that
	// reconnect late can lose history. Size it for the longest expected
	// disconnect window.
	StreamBufferCapacity    int
	StreamRetention         time.Duration
	StreamClientIdleTimeout time.Duration
	StreamClientQueue       int
	StreamSweepInterval     time.Duration

	// Storage settings
	StorageBackend string // memory, json, sqlite, jetstream
	StoragePath    string
	SQLitePath     string

	// NATS settings (jetstream storage backend)
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from the environment, honoring a .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 300*time.Second),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// LLM
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		DefaultProvider: getEnv("DEFAULT_PROVIDER", "openai"),
		DefaultModel:    getEnv("DEFAULT_MODEL", "gpt-4o"),
		Temperature:     getFloatEnv("TEMPERATURE", 0.7),
		MaxTokens:       getIntEnv("MAX_TOKENS", 4096),
		MaxToolRounds:   getIntEnv("MAX_TOOL_ROUNDS", 8),
		ShowThinking:    getBoolEnv("SHOW_THINKING", false),

		// Streaming
		StreamBufferCapacity:    getIntEnv("STREAM_BUFFER_CAPACITY", 1024),
		StreamRetention:         getDurationEnv("STREAM_RETENTION", 5*time.Minute),
		StreamClientIdleTimeout: getDurationEnv("STREAM_CLIENT_IDLE_TIMEOUT", 90*time.Second),
		StreamClientQueue:       getIntEnv("STREAM_CLIENT_QUEUE", 256),
		StreamSweepInterval:     getDurationEnv("STREAM_SWEEP_INTERVAL", 30*time.Second),

		// Storage
		StorageBackend: getEnv("STORAGE_BACKEND", "memory"),
		StoragePath:    getEnv("STORAGE_PATH", defaultStoragePath()),
		SQLitePath:     getEnv("SQLITE_PATH", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chat-shell"
	}
	return home + "/.chat-shell"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
