package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/paygate/internal/payment"
)

// Default routing tables, applied when PAYMENT_COUNTRY_ROUTES / PAYMENT_CURRENCY_ROUTES are unset.
const (
	DefaultCountryRoutes  = "NG:africapay,GH:africapay,ZA:africapay,KE:africapay,US:cardnet,CA:cardnet,GB:cardnet,DE:cardnet,FR:cardnet,AU:cardnet"
	DefaultCurrencyRoutes = "NGN:africapay,GHS:africapay,ZAR:africapay,KES:africapay,USD:cardnet,EUR:cardnet,GBP:cardnet,CAD:cardnet,AUD:cardnet"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	DefaultGateway  payment.ProviderID
	EnabledGateways []payment.ProviderID
	CountryRoutes   map[string]payment.ProviderID
	CurrencyRoutes  map[string]payment.ProviderID
	ProviderTimeout time.Duration

	CardNetSecretKey        string
	CardNetPublishableKey   string
	CardNetWebhookSecret    string
	CardNetBaseURL          string
	CardNetWebhookTolerance time.Duration

	AfricaPaySecretKey     string
	AfricaPayPublicKey     string
	AfricaPayWebhookSecret string
	AfricaPayBaseURL       string

	IdempotencyTTL      time.Duration
	RateLimitWindow     time.Duration
	RateLimitMax        int64
	WebhookMaxBodyBytes int64

	InternalJWTSecret   string
	InternalJWTIssuer   string
	InternalJWTAudience string

	SettlementQueue             string
	SettlementWorkerConcurrency int
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
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		DefaultGateway:  payment.ParseProviderID(valueOrDefault(k.String("DEFAULT_PAYMENT_GATEWAY"), string(payment.CardNet))),
		EnabledGateways: parseProviders(valueOrDefault(k.String("ENABLED_PAYMENT_GATEWAYS"), string(payment.CardNet))),
		ProviderTimeout: parseDuration(k.String("PROVIDER_TIMEOUT"), "10s"),

		CardNetSecretKey:        strings.TrimSpace(k.String("CARDNET_SECRET_KEY")),
		CardNetPublishableKey:   strings.TrimSpace(k.String("CARDNET_PUBLISHABLE_KEY")),
		CardNetWebhookSecret:    strings.TrimSpace(k.String("CARDNET_WEBHOOK_SECRET")),
		CardNetBaseURL:          strings.TrimSpace(k.String("CARDNET_BASE_URL")),
		CardNetWebhookTolerance: parseDuration(k.String("CARDNET_WEBHOOK_TOLERANCE"), "300s"),

		AfricaPaySecretKey:     strings.TrimSpace(k.String("AFRICAPAY_SECRET_KEY")),
		AfricaPayPublicKey:     strings.TrimSpace(k.String("AFRICAPAY_PUBLIC_KEY")),
		AfricaPayWebhookSecret: strings.TrimSpace(k.String("AFRICAPAY_WEBHOOK_SECRET")),
		AfricaPayBaseURL:       strings.TrimSpace(k.String("AFRICAPAY_BASE_URL")),

		IdempotencyTTL:      parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitWindow:     parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:        int64(parseInt(k.String("RATE_LIMIT_MAX"), 120)),
		WebhookMaxBodyBytes: int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),

		InternalJWTSecret:   strings.TrimSpace(k.String("INTERNAL_API_JWT_SECRET")),
		InternalJWTIssuer:   strings.TrimSpace(k.String("INTERNAL_API_JWT_ISSUER")),
		InternalJWTAudience: strings.TrimSpace(k.String("INTERNAL_API_JWT_AUDIENCE")),

		SettlementQueue:             valueOrDefault(k.String("SETTLEMENT_QUEUE"), "settlements"),
		SettlementWorkerConcurrency: parseInt(k.String("SETTLEMENT_WORKER_CONCURRENCY"), 5),
	}

	var err error
	if cfg.CountryRoutes, err = ParseRoutes(valueOrDefault(k.String("PAYMENT_COUNTRY_ROUTES"), DefaultCountryRoutes)); err != nil {
		return nil, fmt.Errorf("PAYMENT_COUNTRY_ROUTES: %w", err)
	}
	if cfg.CurrencyRoutes, err = ParseRoutes(valueOrDefault(k.String("PAYMENT_CURRENCY_ROUTES"), DefaultCurrencyRoutes)); err != nil {
		return nil, fmt.Errorf("PAYMENT_CURRENCY_ROUTES: %w", err)
	}

	if len(cfg.EnabledGateways) == 0 {
		return nil, errors.New("ENABLED_PAYMENT_GATEWAYS must list at least one gateway")
	}
	for _, id := range cfg.EnabledGateways {
		switch id {
		case payment.CardNet:
			if cfg.CardNetSecretKey == "" {
				return nil, errors.New("CARDNET_SECRET_KEY is required when cardnet is enabled")
			}
		case payment.AfricaPay:
			if cfg.AfricaPaySecretKey == "" {
				return nil, errors.New("AFRICAPAY_SECRET_KEY is required when africapay is enabled")
			}
		default:
			return nil, fmt.Errorf("ENABLED_PAYMENT_GATEWAYS: unknown gateway %q", id)
		}
	}
	if cfg.RateLimitMax <= 0 {
		return nil, errors.New("RATE_LIMIT_MAX must be positive")
	}
	if cfg.SettlementWorkerConcurrency <= 0 {
		cfg.SettlementWorkerConcurrency = 1
	}

	return cfg, nil
}

// Registry returns the routing configuration for payment.NewRegistry.
func (c *Config) Registry() payment.RegistryConfig {
	return payment.RegistryConfig{
		Default:        c.DefaultGateway,
		Enabled:        append([]payment.ProviderID(nil), c.EnabledGateways...),
		CountryRoutes:  c.CountryRoutes,
		CurrencyRoutes: c.CurrencyRoutes,
	}
}

// Enabled reports whether the gateway is listed in ENABLED_PAYMENT_GATEWAYS.
func (c *Config) Enabled(id payment.ProviderID) bool {
	for _, e := range c.EnabledGateways {
		if e == id {
			return true
		}
	}
	return false
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

// ParseRoutes parses "KEY:gateway,KEY:gateway" into a routing table. Keys are upper-cased.
func ParseRoutes(value string) (map[string]payment.ProviderID, error) {
	out := map[string]payment.ProviderID{}
	for _, entry := range splitAndTrim(value) {
		key, gw, ok := strings.Cut(entry, ":")
		key = strings.ToUpper(strings.TrimSpace(key))
		id := payment.ParseProviderID(gw)
		if !ok || key == "" || id == "" {
			return nil, fmt.Errorf("invalid route %q, want KEY:gateway", entry)
		}
		out[key] = id
	}
	return out, nil
}

func parseProviders(value string) []payment.ProviderID {
	parts := splitAndTrim(value)
	out := make([]payment.ProviderID, 0, len(parts))
	for _, p := range parts {
		out = append(out, payment.ParseProviderID(p))
	}
	return out
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
		return strings.TrimSpace(value)
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

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
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
