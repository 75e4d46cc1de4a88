package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	BusMemory = "memory"
	BusKafka  = "kafka"
	BusRedis  = "redis"
)

type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabaseURL  string
	StoreDriver  string
	BusDriver    string
	KafkaBrokers []string
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	SendTopic    string
	ReceiptTopic string
	OTLPEndpoint string
	ServiceName  string
	Environment  string
	// TraceSampleRatio is the fraction of root traces kept, in [0, 1].
	TraceSampleRatio float64

	ReceiptBatchSize     int
	ReceiptFlushInterval time.Duration

	VendorEndpoint    string
	VendorAPIKey      string
	VendorSuccessRate float64
	VendorMinLatency  time.Duration
	VendorMaxLatency  time.Duration
	VendorTimeout     time.Duration
	VendorRateLimit   float64
	SendConcurrency   int
}

// LoadConfig reads the process configuration from the environment. A .env file
// in the working directory is applied first when present; real environment
// variables take precedence over it.
func LoadConfig(service string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.Environment = getEnv("DEPLOY_ENV", "development")
	if cfg.TraceSampleRatio, err = getEnvFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("invalid value for OTEL_SAMPLE_RATIO: %v is outside [0, 1]", cfg.TraceSampleRatio)
	}

	defaultStore := StoreMemory
	if cfg.DatabaseURL != "" {
		defaultStore = StorePostgres
	}
	cfg.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", defaultStore))
	switch cfg.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return nil, fmt.Errorf("invalid value for STORE_DRIVER: %q", cfg.StoreDriver)
	}

	cfg.BusDriver = strings.ToLower(getEnv("BUS_DRIVER", BusMemory))
	switch cfg.BusDriver {
	case BusMemory, BusKafka, BusRedis:
	default:
		return nil, fmt.Errorf("invalid value for BUS_DRIVER: %q", cfg.BusDriver)
	}

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPass = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	cfg.SendTopic = getEnv("SEND_TOPIC", "campaign:send")
	cfg.ReceiptTopic = getEnv("RECEIPT_TOPIC", "delivery:receipts")

	if cfg.ReceiptBatchSize, err = getEnvInt("RECEIPT_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.ReceiptFlushInterval, err = getEnvDuration("RECEIPT_FLUSH_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}

	cfg.VendorEndpoint = os.Getenv("VENDOR_ENDPOINT")
	cfg.VendorAPIKey = os.Getenv("VENDOR_API_KEY")
	if cfg.VendorSuccessRate, err = getEnvFloat("VENDOR_SUCCESS_RATE", 0.9); err != nil {
		return nil, err
	}
	if cfg.VendorMinLatency, err = getEnvDuration("VENDOR_MIN_LATENCY", 50*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.VendorMaxLatency, err = getEnvDuration("VENDOR_MAX_LATENCY", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.VendorTimeout, err = getEnvDuration("VENDOR_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.VendorRateLimit, err = getEnvFloat("VENDOR_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if cfg.SendConcurrency, err = getEnvInt("SEND_CONCURRENCY", 1); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
