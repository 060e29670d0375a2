// Package config provides environment configuration for the engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// AI provider settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	ProviderTimeout time.Duration

	// Circuit breaker
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	BreakerCooldownMax time.Duration

	// Session settings
	SendRetries      int
	SendBackoff      time.Duration
	SendBackoffMax   time.Duration
	ReconnectBackoff time.Duration
	ReconnectMax     time.Duration
	ReconnectTries   int
	HandshakeTimeout time.Duration

	// Safety policy
	SendsPerMinute int
	SendsPerDay    int
	BurstThreshold int
	BurstWindow    time.Duration
	RiskDecayAfter time.Duration

	// API rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Providers
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		ProviderTimeout: getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second),

		// Circuit breaker
		BreakerThreshold:   getIntEnv("BREAKER_THRESHOLD", 3),
		BreakerCooldown:    getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
		BreakerCooldownMax: getDurationEnv("BREAKER_COOLDOWN_MAX", 10*time.Minute),

		// Session
		SendRetries:      getIntEnv("SEND_RETRIES", 3),
		SendBackoff:      getDurationEnv("SEND_BACKOFF", 500*time.Millisecond),
		SendBackoffMax:   getDurationEnv("SEND_BACKOFF_MAX", 5*time.Second),
		ReconnectBackoff: getDurationEnv("RECONNECT_BACKOFF", 2*time.Second),
		ReconnectMax:     getDurationEnv("RECONNECT_BACKOFF_MAX", 60*time.Second),
		ReconnectTries:   getIntEnv("RECONNECT_ATTEMPTS", 6),
		HandshakeTimeout: getDurationEnv("HANDSHAKE_TIMEOUT", 2*time.Minute),

		// Safety
		SendsPerMinute: getIntEnv("SAFETY_SENDS_PER_MINUTE", 20),
		SendsPerDay:    getIntEnv("SAFETY_SENDS_PER_DAY", 1000),
		BurstThreshold: getIntEnv("SAFETY_BURST_THRESHOLD", 5),
		BurstWindow:    getDurationEnv("SAFETY_BURST_WINDOW", 2*time.Minute),
		RiskDecayAfter: getDurationEnv("SAFETY_RISK_DECAY", 30*time.Minute),

		// API rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
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
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
