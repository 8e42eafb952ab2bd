package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Billing   BillingConfig
	Payment   PaymentConfig
	Tenant    TenantConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
}

// BillingConfig controls the usage ledger.
type BillingConfig struct {
	TrialUnitsLimit  int64
	TrialDays        int
	SubscriptionDays int
	StorageTimeout   time.Duration
	ConflictRetries  int
	RatesFile        string
}

// PaymentConfig carries the payment processor credentials used to verify webhooks.
type PaymentConfig struct {
	CryptomusAPIKey     string
	CryptomusMerchantID string
}

type TenantConfig struct {
	BasePath string
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	UsageRate     float64
	UsageBurst    int
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
}

const (
	DefaultTrialUnitsLimit  = 100_000
	DefaultSubscriptionDays = 30
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tokenledger"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "tokenledger.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Billing: BillingConfig{
			TrialUnitsLimit:  getenvInt64("BILLING_TRIAL_UNITS_LIMIT", DefaultTrialUnitsLimit),
			TrialDays:        int(getenvInt64("BILLING_TRIAL_DAYS", 0)),
			SubscriptionDays: int(getenvInt64("BILLING_SUBSCRIPTION_DAYS", DefaultSubscriptionDays)),
			StorageTimeout:   getenvDuration("BILLING_STORAGE_TIMEOUT", 5*time.Second),
			ConflictRetries:  int(getenvInt64("BILLING_CONFLICT_RETRIES", 3)),
			RatesFile:        strings.TrimSpace(getenv("BILLING_RATES_FILE", "")),
		},
		Payment: PaymentConfig{
			CryptomusAPIKey:     strings.TrimSpace(getenv("CRYPTOMUS_API_KEY", "")),
			CryptomusMerchantID: strings.TrimSpace(getenv("CRYPTOMUS_MERCHANT_ID", "")),
		},
		Tenant: TenantConfig{
			BasePath: getenv("TENANT_BASE_PATH", "./data"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "localhost:6379")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       int(getenvInt64("RATE_LIMIT_REDIS_DB", 0)),
			UsageRate:     getenvFloat("RATE_LIMIT_USAGE_RATE", 20),
			UsageBurst:    int(getenvInt64("RATE_LIMIT_USAGE_BURST", 40)),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   int(getenvInt64("SCHEDULER_BATCH_SIZE", 100)),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
