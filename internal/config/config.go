// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendKafka    = "kafka"
	BackendSQS      = "sqs"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendLog      = "log"
	BackendS3       = "s3"
	BackendWebhook  = "webhook"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds every knob of the service. Zero values never reach the wiring: Load fills defaults.
type Config struct {
	ServiceName     string
	Env             string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogFile         string
	OTLPEndpoint    string

	Source            string
	DetailType        string
	Producer          string
	LowStockThreshold int64
	RoutingRulesFile  string

	StoreBackend string
	DynamoTable  string
	AWSRegion    string
	AWSEndpoint  string
	SeedQuantity int64

	FeedBackend       string
	FeedPartitions    int
	KafkaBrokers      []string
	KafkaChangeTopic  string
	KafkaArchiveTopic string
	KafkaGroupID      string

	QueueBackend      string
	SQSQueueURL       string
	SQSGroupID        string
	MaxReceive        int
	VisibilityTimeout time.Duration

	ProcessedBackend string
	ProcessedTTL     time.Duration
	ProcessedLease   time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SQLDSN           string

	ArchiveBackend string
	S3Bucket       string
	S3Prefix       string

	NotifyBackend string
	WebhookURL    string

	PaymentURL          string
	PaymentTimeout      time.Duration
	PaymentRateLimit    float64
	PaymentBurst        int
	PaymentRecordStatus bool
	DispatchConcurrency int

	BusConcurrency  int
	BusMaxAttempts  int
	EnqueueAttempts int
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

type parser struct{ errs []error }

func (p *parser) int(key string, def int) int {
	v := getenvDefault(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := getenvDefault(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

// duration accepts Go durations ("250ms", "10s").
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getenvDefault(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v := getenvDefault(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (p *parser) oneOf(key, def string, allowed ...string) string {
	v := strings.ToLower(getenvDefault(key, def))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	p.errs = append(p.errs, fmt.Errorf("%s: %q is not one of %s", key, v, strings.Join(allowed, "|")))
	return def
}

func (p *parser) require(cond bool, format string, args ...any) {
	if !cond {
		p.errs = append(p.errs, fmt.Errorf(format, args...))
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load collects configuration from the environment with defaults and validates backend requirements.
func Load() (Config, error) {
	p := &parser{}
	c := Config{
		ServiceName:     getenvDefault("SERVICE_NAME", "macguffin-orders"),
		Env:             getenvDefault("ENV", "dev"),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogFile:         getenvDefault("LOG_FILE", ""),
		OTLPEndpoint:    getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		Source:            getenvDefault("EVENT_SOURCE", "macguffin.wims"),
		DetailType:        getenvDefault("EVENT_DETAIL_TYPE", "cdcEvent"),
		Producer:          getenvDefault("EVENT_PRODUCER", "cdc-enrichment"),
		LowStockThreshold: int64(p.int("LOW_STOCK_THRESHOLD", 100)),
		RoutingRulesFile:  getenvDefault("ROUTING_RULES_FILE", ""),

		StoreBackend: p.oneOf("STORE_BACKEND", BackendMemory, BackendMemory, BackendDynamoDB),
		DynamoTable:  getenvDefault("DYNAMODB_TABLE", "wims"),
		AWSRegion:    getenvDefault("AWS_REGION", "us-east-1"),
		AWSEndpoint:  getenvDefault("AWS_ENDPOINT_URL", ""),
		SeedQuantity: int64(p.int("SEED_QUANTITY", 1000000)),

		FeedBackend:       p.oneOf("FEED_BACKEND", BackendMemory, BackendMemory, BackendKafka),
		FeedPartitions:    p.int("FEED_PARTITIONS", 8),
		KafkaBrokers:      splitList(getenvDefault("KAFKA_BROKERS", "")),
		KafkaChangeTopic:  getenvDefault("KAFKA_CHANGE_TOPIC", "wims.changes"),
		KafkaArchiveTopic: getenvDefault("KAFKA_ARCHIVE_TOPIC", "wims.archive"),
		KafkaGroupID:      getenvDefault("KAFKA_GROUP_ID", "macguffin-enrichment"),

		QueueBackend:      p.oneOf("QUEUE_BACKEND", BackendMemory, BackendMemory, BackendSQS),
		SQSQueueURL:       getenvDefault("SQS_QUEUE_URL", ""),
		SQSGroupID:        getenvDefault("SQS_MESSAGE_GROUP_ID", ""),
		MaxReceive:        p.int("QUEUE_MAX_RECEIVE", 10),
		VisibilityTimeout: p.duration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),

		ProcessedBackend: p.oneOf("PROCESSED_BACKEND", BackendMemory,
			BackendMemory, BackendRedis, BackendSQLite, BackendPostgres),
		ProcessedTTL:   p.duration("PROCESSED_TTL", 24*time.Hour),
		ProcessedLease: p.duration("PROCESSED_LEASE_TTL", 2*time.Minute),
		RedisAddr:      getenvDefault("REDIS_ADDR", ""),
		RedisPassword:  getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:        p.int("REDIS_DB", 0),
		SQLDSN:         getenvDefault("PROCESSED_DSN", ""),

		ArchiveBackend: p.oneOf("ARCHIVE_BACKEND", BackendLog, BackendNone, BackendLog, BackendKafka, BackendS3),
		S3Bucket:       getenvDefault("ARCHIVE_S3_BUCKET", ""),
		S3Prefix:       getenvDefault("ARCHIVE_S3_PREFIX", "archive"),

		NotifyBackend: p.oneOf("NOTIFY_BACKEND", BackendLog, BackendLog, BackendWebhook),
		WebhookURL:    getenvDefault("NOTIFY_WEBHOOK_URL", ""),

		PaymentTimeout:      p.duration("PAYMENT_TIMEOUT", 10*time.Second),
		PaymentRateLimit:    p.float("PAYMENT_RATE_LIMIT", 5),
		PaymentBurst:        p.int("PAYMENT_RATE_BURST", 1),
		PaymentRecordStatus: p.bool("PAYMENT_RECORD_STATUS", false),
		DispatchConcurrency: p.int("PAYMENT_DISPATCH_CONCURRENCY", 1),

		BusConcurrency:  p.int("BUS_CONCURRENCY", 8),
		BusMaxAttempts:  p.int("BUS_MAX_ATTEMPTS", 3),
		EnqueueAttempts: p.int("PAYMENT_ENQUEUE_ATTEMPTS", 3),
	}
	c.PaymentURL = getenvDefault("PAYMENT_URL", "http://localhost"+c.HTTPAddr+"/payments")
	if c.ProcessedBackend == BackendSQLite && c.SQLDSN == "" {
		c.SQLDSN = "file:processed.db"
	}

	p.require(c.MaxReceive > 0, "QUEUE_MAX_RECEIVE must be positive")
	p.require(c.LowStockThreshold >= 0, "LOW_STOCK_THRESHOLD must not be negative")
	p.require(c.SeedQuantity >= 0, "SEED_QUANTITY must not be negative")
	p.require(c.ProcessedLease > 0, "PROCESSED_LEASE_TTL must be positive")
	p.require(c.FeedPartitions > 0, "FEED_PARTITIONS must be positive")
	needsKafka := c.FeedBackend == BackendKafka || c.ArchiveBackend == BackendKafka
	p.require(!needsKafka || len(c.KafkaBrokers) > 0, "KAFKA_BROKERS is required for the kafka backends")
	p.require(c.QueueBackend != BackendSQS || c.SQSQueueURL != "", "SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
	p.require(c.ProcessedBackend != BackendRedis || c.RedisAddr != "", "REDIS_ADDR is required when PROCESSED_BACKEND=redis")
	p.require(c.ProcessedBackend != BackendPostgres || c.SQLDSN != "", "PROCESSED_DSN is required when PROCESSED_BACKEND=postgres")
	p.require(c.ArchiveBackend != BackendS3 || c.S3Bucket != "", "ARCHIVE_S3_BUCKET is required when ARCHIVE_BACKEND=s3")
	p.require(c.NotifyBackend != BackendWebhook || c.WebhookURL != "", "NOTIFY_WEBHOOK_URL is required when NOTIFY_BACKEND=webhook")

	if len(p.errs) > 0 {
		return c, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(p.errs...))
	}
	return c, nil
}
