package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// ProviderConfig holds the credentials and endpoint of one payment gateway.
type ProviderConfig struct {
	Secret  string
	BaseURL string
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	// API-key guard for the payment endpoints. An argon2id hash, never the
	// plaintext key.
	APIKeyHash string

	Cardnet   ProviderConfig
	Bankwire  ProviderConfig
	Cryptopay ProviderConfig

	RateSourceBaseURL string
	RateFreshness     time.Duration
	RateTimeout       time.Duration

	MaxAmountMinor int64
	PaymentTimeout time.Duration
	RefundTimeout  time.Duration

	WebhookReplayTTL time.Duration
	IdempotencyTTL   time.Duration

	RateLimitWindow time.Duration
	RateLimitMax    int

	RetryBaseBackoff   time.Duration
	RetryMaxAttempts   int
	BreakerMinRequests int
	BreakerFailureRate float64
	BreakerOpenPeriod  time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),
		APIKeyHash:         k.String("API_KEY_HASH"),
		Cardnet: ProviderConfig{
			Secret:  k.String("CARDNET_SECRET"),
			BaseURL: valueOrDefault(k.String("CARDNET_BASE_URL"), "https://api.cardnet.example"),
		},
		Bankwire: ProviderConfig{
			Secret:  k.String("BANKWIRE_SECRET"),
			BaseURL: valueOrDefault(k.String("BANKWIRE_BASE_URL"), "https://api.bankwire.example"),
		},
		Cryptopay: ProviderConfig{
			Secret:  k.String("CRYPTOPAY_SECRET"),
			BaseURL: valueOrDefault(k.String("CRYPTOPAY_BASE_URL"), "https://api.cryptopay.example"),
		},
		RateSourceBaseURL:  valueOrDefault(k.String("RATE_SOURCE_BASE_URL"), "https://api.frankfurter.dev/v1"),
		RateFreshness:      parseDuration(k.String("RATE_FRESHNESS"), "24h"),
		RateTimeout:        parseDuration(k.String("RATE_TIMEOUT"), "5s"),
		MaxAmountMinor:     k.Int64("MAX_AMOUNT_MINOR"),
		PaymentTimeout:     parseDuration(k.String("PAYMENT_TIMEOUT"), "10s"),
		RefundTimeout:      parseDuration(k.String("REFUND_TIMEOUT"), "15s"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitWindow:    parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:       k.Int("RATE_LIMIT_MAX"),
		RetryBaseBackoff:   parseDuration(k.String("RETRY_BASE_BACKOFF"), "100ms"),
		RetryMaxAttempts:   k.Int("RETRY_MAX_ATTEMPTS"),
		BreakerMinRequests: k.Int("BREAKER_MIN_REQUESTS"),
		BreakerFailureRate: k.Float64("BREAKER_FAILURE_RATE"),
		BreakerOpenPeriod:  parseDuration(k.String("BREAKER_OPEN_PERIOD"), "30s"),
	}

	if cfg.MaxAmountMinor <= 0 {
		cfg.MaxAmountMinor = 100_000_00
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 120
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 2
	}
	if cfg.BreakerMinRequests <= 0 {
		cfg.BreakerMinRequests = 5
	}
	if cfg.BreakerFailureRate <= 0 || cfg.BreakerFailureRate > 1 {
		cfg.BreakerFailureRate = 0.5
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
