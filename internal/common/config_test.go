package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "METRICS_PORT", "DATABASE_URL", "STORE_DRIVER", "BUS_DRIVER", "KAFKA_BROKERS", "RECEIPT_BATCH_SIZE", "VENDOR_TIMEOUT", "OTEL_SAMPLE_RATIO", "DEPLOY_ENV"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig("test")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9080, cfg.MetricsPort)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, BusMemory, cfg.BusDriver)
	assert.Equal(t, "campaign:send", cfg.SendTopic)
	assert.Equal(t, "delivery:receipts", cfg.ReceiptTopic)
	assert.Equal(t, 100, cfg.ReceiptBatchSize)
	assert.Equal(t, 3*time.Second, cfg.ReceiptFlushInterval)
	assert.Equal(t, 3*time.Second, cfg.VendorTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "test", cfg.ServiceName)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/crm")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("BUS_DRIVER", "Redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RECEIPT_FLUSH_INTERVAL", "500ms")
	t.Setenv("VENDOR_SUCCESS_RATE", "0.5")
	t.Setenv("OTEL_SAMPLE_RATIO", "0.25")
	t.Setenv("DEPLOY_ENV", "staging")

	cfg, err := LoadConfig("test")
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, BusRedis, cfg.BusDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 500*time.Millisecond, cfg.ReceiptFlushInterval)
	assert.Equal(t, 0.5, cfg.VendorSuccessRate)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.Equal(t, "staging", cfg.Environment)
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"HTTP_PORT":              "eighty",
		"STORE_DRIVER":           "bolt",
		"BUS_DRIVER":             "nats",
		"RECEIPT_FLUSH_INTERVAL": "soon",
		"VENDOR_SUCCESS_RATE":    "most",
		"OTEL_SAMPLE_RATIO":      "1.5",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig("test")
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}
