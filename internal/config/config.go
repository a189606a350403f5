package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Auth
	ValidatorType string // "jwk" or "dev"
	JWTJWKSURL    string

	// Providers
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIOrg         string
	AnthropicAPIKey   string
	AnthropicBaseURL  string
	DefaultProvider   string
	DefaultModel      string
	MaxOutputTokens   int
	SendTimeoutSecs   int
	StreamTimeoutSecs int
	MaxRetries        int

	// Hub
	HeartbeatIntervalSecs  int
	MessageRateLimit       int
	MessageRateWindowSecs  int
	TypingExpirySecs       int
	TypingSpamWindowMillis int
	HistoryWindow          int

	// Title worker pool
	TitleWorkerPoolSize int
	TitleBufferSize     int

	// Server
	ServerShutdownTimeoutSeconds int
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "debug"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Auth
		ValidatorType: getEnvOrDefault("VALIDATOR_TYPE", "jwk"),
		JWTJWKSURL:    getEnvOrDefault("JWT_JWKS_URL", ""),

		// Providers
		OpenAIAPIKey:      getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnvOrDefault("OPENAI_BASE_URL", ""),
		OpenAIOrg:         getEnvOrDefault("OPENAI_ORG", ""),
		AnthropicAPIKey:   getEnvOrDefault("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:  getEnvOrDefault("ANTHROPIC_BASE_URL", ""),
		DefaultProvider:   getEnvOrDefault("DEFAULT_PROVIDER", "openai"),
		DefaultModel:      getEnvOrDefault("DEFAULT_MODEL", "gpt-4o-mini"),
		MaxOutputTokens:   getEnvAsInt("MAX_OUTPUT_TOKENS", 4096),
		SendTimeoutSecs:   getEnvAsInt("PROVIDER_SEND_TIMEOUT_SECONDS", 60),
		StreamTimeoutSecs: getEnvAsInt("PROVIDER_STREAM_TIMEOUT_SECONDS", 600),
		MaxRetries:        getEnvAsInt("PROVIDER_MAX_RETRIES", 3),

		// Hub
		HeartbeatIntervalSecs:  getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 30),
		MessageRateLimit:       getEnvAsInt("MESSAGE_RATE_LIMIT", 10),
		MessageRateWindowSecs:  getEnvAsInt("MESSAGE_RATE_WINDOW_SECONDS", 60),
		TypingExpirySecs:       getEnvAsInt("TYPING_EXPIRY_SECONDS", 5),
		TypingSpamWindowMillis: getEnvAsInt("TYPING_SPAM_WINDOW_MILLIS", 1000),
		HistoryWindow:          getEnvAsInt("HISTORY_WINDOW", 50),

		// Title worker pool
		TitleWorkerPoolSize: getEnvAsInt("TITLE_WORKER_POOL_SIZE", 4),
		TitleBufferSize:     getEnvAsInt("TITLE_BUFFER_SIZE", 256),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	// Validate required configs
	if AppConfig.OpenAIAPIKey == "" && AppConfig.AnthropicAPIKey == "" {
		log.Println("Warning: No provider API keys configured. Set OPENAI_API_KEY or ANTHROPIC_API_KEY.")
	}

	if AppConfig.ValidatorType == "jwk" && AppConfig.JWTJWKSURL == "" {
		log.Println("Warning: JWT_JWKS_URL is empty; token validation falls back to development mode.")
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

// SendTimeout returns the per-call timeout for non-streaming completions.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSecs) * time.Second
}

// StreamTimeout returns the per-call timeout for streaming completions.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSecs) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
