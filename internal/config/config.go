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

	OTLPEndpoint string

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
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Gateway holds the payment gateway connection settings.
	Gateway GatewayConfig

	// WebhookSecret signs inbound gateway notifications (HMAC-SHA256).
	WebhookSecret string

	// ChargeWorkers sizes the outbound charge worker pool;
	// WebhookWorkers sizes the webhook reconciliation pool.
	ChargeWorkers  int
	WebhookWorkers int

	// SchedulerEnabled starts the in-process job loop. SchedulerJobs
	// restricts which jobs run; empty means all of them.
	SchedulerEnabled   bool
	SchedulerInterval  time.Duration
	SchedulerBatchSize int
	SchedulerJobs      []string

	// RateLimitEnabled throttles the webhook ingest endpoint per
	// source address. Requires redis.
	RateLimitEnabled   bool
	WebhookIngestRate  float64
	WebhookIngestBurst int
}

// GatewayConfig configures the billing-key payment gateway client.
type GatewayConfig struct {
	BaseURL     string
	APISecret   string
	StoreID     string
	HTTPTimeout time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "rebill"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rebill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Gateway: GatewayConfig{
			BaseURL:     strings.TrimRight(getenv("PG_BASE_URL", "https://api.portone.io"), "/"),
			APISecret:   strings.TrimSpace(getenv("PG_API_SECRET", "")),
			StoreID:     strings.TrimSpace(getenv("PG_STORE_ID", "")),
			HTTPTimeout: time.Duration(getenvInt("PG_HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
		},

		WebhookSecret: strings.TrimSpace(getenv("PG_WEBHOOK_SECRET", "")),

		ChargeWorkers:  getenvInt("CHARGE_WORKERS", 4),
		WebhookWorkers: getenvInt("WEBHOOK_WORKERS", 4),

		SchedulerEnabled:   getenvBool("SCHEDULER_ENABLED", true),
		SchedulerInterval:  time.Duration(getenvInt("SCHEDULER_INTERVAL_SECONDS", 60)) * time.Second,
		SchedulerBatchSize: getenvInt("SCHEDULER_BATCH_SIZE", 50),
		SchedulerJobs:      getenvList("SCHEDULER_JOBS"),

		RateLimitEnabled:   getenvBool("RATE_LIMIT_ENABLED", false),
		WebhookIngestRate:  getenvFloat("WEBHOOK_INGEST_RATE", 50),
		WebhookIngestBurst: getenvInt("WEBHOOK_INGEST_BURST", 100),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
