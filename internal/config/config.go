package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string
	NodeID      int64

	LogLevel  string
	LogFormat string

	OTLPEndpoint      string
	OTLPProtocol      string
	OtelEnabled       bool
	OtelSamplingRatio float64
	SentryDSN         string

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

	UsageIngestRate  float64
	UsageIngestBurst int

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaUseTelemetry  bool
	ProcessorBaseURL   string
	ProcessorAPIKey    string
	ProcessorRetryMax  int
	WebhookSecret      string
	ReconcileConfigDir string
	SchedulerJobs      []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	otlpProtocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		otlpProtocol = traces
	}

	return Config{
		AppName:            getenv("APP_SERVICE", "recon"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        environment,
		HTTPPort:           getenv("HTTP_PORT", "8080"),
		NodeID:             int64(getenvInt("NODE_ID", 1)),
		LogLevel:           strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:          strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		OTLPEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:       strings.ToLower(strings.TrimSpace(otlpProtocol)),
		OtelEnabled:        getenvBool("OTEL_ENABLED", strings.EqualFold(environment, "production")),
		OtelSamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		SentryDSN:          strings.TrimSpace(getenv("SENTRY_DSN", "")),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "recon"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		RedisDB:            getenvInt("REDIS_DB", 0),
		UsageIngestRate:    getenvFloat("USAGE_INGEST_RATE", 0),
		UsageIngestBurst:   getenvInt("USAGE_INGEST_BURST", 0),
		KafkaBrokers:       splitList(getenv("KAFKA_BROKERS", "")),
		KafkaTopic:         getenv("KAFKA_NOTIFICATION_TOPIC", "recon.notifications"),
		KafkaUseTelemetry:  getenvBool("KAFKA_USE_TELEMETRY", false),
		ProcessorBaseURL:   getenv("PROCESSOR_BASE_URL", "https://api.stripe.com"),
		ProcessorAPIKey:    strings.TrimSpace(getenv("PROCESSOR_API_KEY", "")),
		ProcessorRetryMax:  getenvInt("PROCESSOR_RETRY_MAX", 2),
		WebhookSecret:      strings.TrimSpace(getenv("PROCESSOR_WEBHOOK_SECRET", "")),
		ReconcileConfigDir: strings.TrimSpace(getenv("RECON_CONFIG_DIR", "")),
		SchedulerJobs:      splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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
