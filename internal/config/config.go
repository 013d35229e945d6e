package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Comma-separated list of origins allowed to call the relay from a
	// browser. "*" allows any origin (development only).
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// Speech provider selection: "google" or "deepgram"
	STTProvider string `envconfig:"STT_PROVIDER" default:"google"`

	// Google Cloud Speech configuration (used when STT_PROVIDER=google)
	GoogleProjectID       string `envconfig:"GOOGLE_PROJECT_ID"`
	GoogleCredentialsFile string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
	GoogleLocation        string `envconfig:"GOOGLE_SPEECH_LOCATION" default:"global"`
	GoogleModel           string `envconfig:"GOOGLE_SPEECH_MODEL" default:"latest_long"`

	// Deepgram configuration (used when STT_PROVIDER=deepgram)
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Recognition language (BCP-47)
	Language string `envconfig:"SPEECH_LANGUAGE" default:"en-US"`

	// Session routing configuration
	SubscriberWaitAttempts int   `envconfig:"SUBSCRIBER_WAIT_ATTEMPTS" default:"5"`   // Poll attempts waiting for a push subscriber
	SubscriberWaitDelayMs  int   `envconfig:"SUBSCRIBER_WAIT_DELAY_MS" default:"100"` // Delay between poll attempts in milliseconds
	MaxChunkBytes          int64 `envconfig:"MAX_CHUNK_BYTES" default:"1048576"`      // Maximum accepted audio chunk size

	// NLIP chat endpoint (external collaborator, used by readiness checks)
	NLIPEndpoint string `envconfig:"NLIP_ENDPOINT" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.STTProvider {
	case "google":
		if cfg.GoogleProjectID == "" {
			return nil, fmt.Errorf("GOOGLE_PROJECT_ID is required when STT_PROVIDER=google")
		}
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q (expected google or deepgram)", cfg.STTProvider)
	}

	if cfg.SubscriberWaitAttempts < 1 {
		return nil, fmt.Errorf("SUBSCRIBER_WAIT_ATTEMPTS must be at least 1")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
