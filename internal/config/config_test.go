package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "macguffin.wims", c.Source)
	assert.Equal(t, "cdcEvent", c.DetailType)
	assert.Equal(t, int64(100), c.LowStockThreshold)
	assert.Equal(t, int64(1000000), c.SeedQuantity)
	assert.Equal(t, 10, c.MaxReceive)
	assert.Equal(t, BackendMemory, c.StoreBackend)
	assert.Equal(t, BackendLog, c.ArchiveBackend)
	assert.Equal(t, 10*time.Second, c.PaymentTimeout)
	assert.Equal(t, 5.0, c.PaymentRateLimit)
	assert.Equal(t, "http://localhost:8080/payments", c.PaymentURL)
	assert.False(t, c.PaymentRecordStatus)
	assert.Equal(t, 2*time.Minute, c.ProcessedLease)
	assert.Equal(t, 24*time.Hour, c.ProcessedTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "SQS")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/1/payments.fifo")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("FEED_BACKEND", "kafka")
	t.Setenv("PAYMENT_TIMEOUT", "250ms")
	t.Setenv("PAYMENT_RECORD_STATUS", "true")
	t.Setenv("PROCESSED_BACKEND", "sqlite")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendSQS, c.QueueBackend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, c.PaymentTimeout)
	assert.True(t, c.PaymentRecordStatus)
	assert.Equal(t, "file:processed.db", c.SQLDSN)
}

func TestLoadReportsEveryProblem(t *testing.T) {
	t.Setenv("STORE_BACKEND", "cassandra")
	t.Setenv("QUEUE_MAX_RECEIVE", "ten")
	t.Setenv("NOTIFY_BACKEND", "webhook")
	t.Setenv("PROCESSED_LEASE_TTL", "0s")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "STORE_BACKEND")
	assert.ErrorContains(t, err, "QUEUE_MAX_RECEIVE")
	assert.ErrorContains(t, err, "NOTIFY_WEBHOOK_URL")
	assert.ErrorContains(t, err, "PROCESSED_LEASE_TTL")
}
