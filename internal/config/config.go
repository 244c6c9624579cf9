// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const developmentSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// LLM settings
	LLMProvider       string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterReferer string
	OpenRouterTitle   string
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	LLMModel          string
	SystemPrompt      string
	LLMTemperature    float64
	LLMMaxTokens      int
	ChatMaxDuration   time.Duration
	LLMBreakerFails   int

	// Cooldown and sessions
	CooldownWindow time.Duration
	CooldownTick   time.Duration
	SessionSecret  string
	SessionTTL     time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Persistence
	DBPath string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Solana balance queries
	SolanaRPCEndpoint string
	TokenMint         string
	TokenSymbol       string

	// Payment signer
	PaymentSignerURL   string
	PaymentSignerToken string
	PaymentTimeout     time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 150*time.Second),
		AllowedOrigins:     getListEnv("CORS_ALLOWED_ORIGINS", nil),

		// LLM
		LLMProvider:       getEnv("LLM_PROVIDER", "openrouter"),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterReferer: getEnv("OPENROUTER_REFERER", "https://yuki402.xyz"),
		OpenRouterTitle:   getEnv("OPENROUTER_TITLE", "Yuki402"),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		LLMModel:          getEnv("LLM_MODEL", ""),
		SystemPrompt:      getEnv("YUKI_SYSTEM_PROMPT", ""),
		LLMTemperature:    getFloatEnv("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:      getIntEnv("LLM_MAX_OUTPUT_TOKENS", 6000),
		ChatMaxDuration:   getDurationEnv("CHAT_MAX_DURATION", 120*time.Second),
		LLMBreakerFails:   getIntEnv("LLM_BREAKER_FAILURES", 5),

		// Cooldown and sessions
		CooldownWindow: getDurationEnv("COOLDOWN_WINDOW", 60*time.Second),
		CooldownTick:   getDurationEnv("COOLDOWN_TICK", time.Second),
		SessionSecret:  getEnv("SESSION_SECRET", developmentSecret),
		SessionTTL:     getDurationEnv("SESSION_TTL", 24*time.Hour),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Persistence
		DBPath: getEnv("DB_PATH", ""),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Solana
		SolanaRPCEndpoint: getEnv("SOLANA_RPC_ENDPOINT", "https://api.mainnet-beta.solana.com"),
		TokenMint:         getEnv("YUKI_TOKEN_MINT", ""),
		TokenSymbol:       getEnv("YUKI_TOKEN_SYMBOL", "YUKI"),

		// Payment signer
		PaymentSignerURL:   getEnv("PAYMENT_SIGNER_URL", ""),
		PaymentSignerToken: getEnv("PAYMENT_SIGNER_TOKEN", ""),
		PaymentTimeout:     getDurationEnv("PAYMENT_TIMEOUT", 30*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// APIKey returns the credential for the configured provider.
func (c *Config) APIKey() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	default:
		return c.OpenRouterAPIKey
	}
}

// IsDevelopmentSecret reports whether the built-in session secret is in use.
func (c *Config) IsDevelopmentSecret() bool {
	return c.SessionSecret == developmentSecret
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.LLMProvider {
	case "openrouter", "openai", "anthropic":
		if c.APIKey() == "" {
			errs = append(errs, fmt.Errorf("no API key configured for LLM provider %q", c.LLMProvider))
		}
		if c.LLMProvider != "openrouter" && c.LLMModel == "" {
			errs = append(errs, fmt.Errorf("LLM_MODEL is required for provider %q", c.LLMProvider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errs = append(errs, errors.New("LLM_TEMPERATURE must be between 0 and 2"))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, errors.New("LLM_MAX_OUTPUT_TOKENS must be positive"))
	}
	if c.ChatMaxDuration <= 0 {
		errs = append(errs, errors.New("CHAT_MAX_DURATION must be positive"))
	}
	if c.ServerWriteTimeout > 0 && c.ServerWriteTimeout <= c.ChatMaxDuration {
		errs = append(errs, errors.New("SERVER_WRITE_TIMEOUT must exceed CHAT_MAX_DURATION"))
	}
	if c.CooldownWindow <= 0 {
		errs = append(errs, errors.New("COOLDOWN_WINDOW must be positive"))
	}
	if c.CooldownTick <= 0 {
		errs = append(errs, errors.New("COOLDOWN_TICK must be positive"))
	}
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("SESSION_SECRET is required"))
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.PaymentTimeout <= 0 {
		errs = append(errs, errors.New("PAYMENT_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
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

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
