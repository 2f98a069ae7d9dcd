package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// WebhookSecrets lists every currently valid signing secret. More than
	// one entry supports secret rotation: a signature matching any entry
	// is accepted.
	WebhookSecrets   []string
	WebhookTolerance time.Duration

	ProviderAPIKey  string
	ProviderAPIBase string

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string

	PaymentFailureThreshold int

	OTLPEndpoint string
	RedisAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "orin-billing"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		WebhookSecrets:   splitList(getenv("BILLING_WEBHOOK_SECRETS", "")),
		WebhookTolerance: getenvDuration("BILLING_WEBHOOK_TOLERANCE", 5*time.Minute),

		ProviderAPIKey:  strings.TrimSpace(getenv("BILLING_PROVIDER_API_KEY", "")),
		ProviderAPIBase: strings.TrimRight(getenv("BILLING_PROVIDER_API_BASE", "https://api.stripe.com"), "/"),

		CheckoutSuccessURL: getenv("BILLING_CHECKOUT_SUCCESS_URL", "https://app.orin.chat/billing/success"),
		CheckoutCancelURL:  getenv("BILLING_CHECKOUT_CANCEL_URL", "https://app.orin.chat/billing/cancel"),
		PortalReturnURL:    getenv("BILLING_PORTAL_RETURN_URL", "https://app.orin.chat/settings"),

		PaymentFailureThreshold: getenvInt("BILLING_PAYMENT_FAILURE_THRESHOLD", 3),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		RedisAddr:    strings.TrimSpace(getenv("REDIS_ADDR", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "orin_billing"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 2),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewFeatureConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
