package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	appInventory "github.com/Zhima-Mochi/macguffin-orders/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/macguffin-orders/internal/application/order"
	appPayment "github.com/Zhima-Mochi/macguffin-orders/internal/application/payment"
	"github.com/Zhima-Mochi/macguffin-orders/internal/application/routing"
	"github.com/Zhima-Mochi/macguffin-orders/internal/config"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	dominv "github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	domnotify "github.com/Zhima-Mochi/macguffin-orders/internal/domain/notify"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/archive"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/dynamodb"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/httpclient"
	kafkainfra "github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/kafka"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/notify"
	obsinfra "github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/observability/telemetry"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/observability/zaplogger"
	redisinfra "github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/redis"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/sqlstore"
	sqsinfra "github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/sqs"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	httppresentation "github.com/Zhima-Mochi/macguffin-orders/internal/presentation/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// closers run in reverse order on shutdown.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	baseLogger, err := zaplogger.New(zaplogger.Config{
		LogFile: cfg.LogFile,
		Fixed: []observability.Field{
			observability.F("service_name", cfg.ServiceName),
			observability.F("env", cfg.Env),
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger.Zap())
	systemLogger := baseLogger.With(observability.F("component", "main"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		return err
	}

	counters, histograms := prometrics.Instruments(prometrics.New("", ""))
	tel := obsinfra.New(oteltrace.New(cfg.ServiceName), baseLogger, counters, histograms)

	var cleanup closers
	defer cleanup.close()

	// Change feed, and the sink the in-memory table emits its change records into.
	feed, sink, runners, err := buildFeed(cfg, baseLogger, &cleanup)
	if err != nil {
		return err
	}
	st, err := buildStore(ctx, cfg, sink)
	if err != nil {
		return err
	}
	if sink == nil {
		systemLogger.Info("change_capture_external", observability.F("store", cfg.StoreBackend))
	}

	processed, err := buildProcessedSet(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	payments, err := buildQueue(ctx, cfg, tel)
	if err != nil {
		return err
	}

	rules := routing.DefaultRules(cfg.Source, cfg.DetailType, cfg.LowStockThreshold)
	if cfg.RoutingRulesFile != "" {
		if rules, err = routing.LoadRules(cfg.RoutingRulesFile); err != nil {
			return err
		}
	}
	notifier, err := buildNotifier(cfg, baseLogger)
	if err != nil {
		return err
	}
	archiver, err := buildArchiver(ctx, cfg, baseLogger, &cleanup)
	if err != nil {
		return err
	}
	productKey := dominv.Key(dominv.DefaultItem, dominv.DefaultModel)
	bus, err := newPipeline(cfg, pipelineDeps{
		store:      st,
		feed:       feed,
		processed:  processed,
		payments:   payments,
		notifier:   notifier,
		archiver:   archiver,
		rules:      rules,
		productKey: productKey,
	}, baseLogger, tel)
	if err != nil {
		return err
	}

	gateway := httpclient.NewPaymentGateway(httpclient.New(
		httpclient.WithTimeout(cfg.PaymentTimeout),
		httpclient.WithRateLimit(rate.Limit(cfg.PaymentRateLimit), cfg.PaymentBurst),
	), cfg.PaymentURL)
	var recorder appPayment.StatusRecorder
	if cfg.PaymentRecordStatus {
		recorder = appPayment.NewOrderStatusRecorder(st)
	}
	dispatcher := appPayment.NewDispatcher(payments,
		appPayment.NewDispatchUseCase(gateway, recorder, cfg.MaxReceive, tel),
		appPayment.DispatcherConfig{Concurrency: cfg.DispatchConcurrency},
		tel,
	)

	if _, err := appInventory.Seed(ctx, st, dominv.Seed(cfg.SeedQuantity), tel); err != nil {
		return err
	}

	// The bus outlives the signal so Stop can drain it.
	bus.Start(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				systemLogger.Error("runner_failed", observability.F("runner", name), observability.F("error", err.Error()))
			}
		}()
	}
	for name, fn := range runners {
		goRun(name, fn)
	}
	goRun("change_feed", feed.Run)
	goRun("payment_dispatcher", dispatcher.Run)

	handler := httppresentation.NewHandler(
		appOrder.NewPlaceOrderUseCase(st, time.Now, tel),
		appInventory.NewGetItemUseCase(st, productKey, tel),
		tel,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		systemLogger.Info("http_server_start", observability.F("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error", observability.F("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		systemLogger.Info("http_server_stopped")
	}

	// Runners observe ctx; the bus drains what the feed already routed.
	wg.Wait()
	bus.Stop(shutdownCtx)

	if err := shutdownTracing(shutdownCtx); err != nil {
		systemLogger.Warn("tracing_shutdown_error", observability.F("error", err.Error()))
	}
	return nil
}

// buildFeed returns the feed, the sink an in-process store writes to (nil when capture is external)
// and extra background runners.
func buildFeed(cfg config.Config, logger observability.Logger, cleanup *closers) (
	change.Feed, memory.ChangeSink, map[string]func(context.Context) error, error,
) {
	runners := map[string]func(context.Context) error{}
	switch cfg.FeedBackend {
	case config.BackendKafka:
		reader := kafkainfra.NewReader(cfg.KafkaBrokers, cfg.KafkaChangeTopic, cfg.KafkaGroupID)
		cleanup.add(func() { _ = reader.Close() })
		feed := kafkainfra.NewFeed(reader, logger, 3, 200*time.Millisecond)

		if cfg.StoreBackend != config.BackendMemory {
			return feed, nil, runners, nil
		}
		writer := kafkainfra.NewWriter(cfg.KafkaBrokers, cfg.KafkaChangeTopic)
		cleanup.add(func() { _ = writer.Close() })
		publisher := kafkainfra.NewChangePublisher(writer, logger)
		runners["change_publisher"] = publisher.Run
		return feed, publisher, runners, nil
	default:
		if cfg.StoreBackend != config.BackendMemory {
			return nil, nil, nil, fmt.Errorf("%w: STORE_BACKEND=%s needs FEED_BACKEND=kafka", config.ErrInvalidConfig, cfg.StoreBackend)
		}
		feed := memory.NewFeed(cfg.FeedPartitions, logger)
		return feed, feed, runners, nil
	}
}

func buildStore(ctx context.Context, cfg config.Config, sink memory.ChangeSink) (store.Repository, error) {
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		client, err := dynamodb.NewClient(ctx, dynamodb.Config{
			Table:    cfg.DynamoTable,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
		})
		if err != nil {
			return nil, err
		}
		return dynamodb.NewStore(client, cfg.DynamoTable), nil
	default:
		opts := []memory.StoreOption{}
		if sink != nil {
			opts = append(opts, memory.WithChangeSink(sink))
		}
		return memory.NewStore(opts...), nil
	}
}

func buildProcessedSet(ctx context.Context, cfg config.Config, cleanup *closers) (idempotency.Set, error) {
	switch cfg.ProcessedBackend {
	case config.BackendRedis:
		client := redisinfra.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cleanup.add(func() { _ = client.Close() })
		return redisinfra.NewProcessedSet(client, redisinfra.DefaultPrefix, cfg.ProcessedLease, cfg.ProcessedTTL), nil
	case config.BackendSQLite, config.BackendPostgres:
		d := sqlstore.SQLite
		if cfg.ProcessedBackend == config.BackendPostgres {
			d = sqlstore.Postgres
		}
		db, err := sqlstore.Open(d, cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = db.Close() })
		return sqlstore.NewProcessedSet(ctx, db, d, cfg.ProcessedLease, cfg.ProcessedTTL)
	default:
		return memory.NewProcessedSet(cfg.ProcessedLease, cfg.ProcessedTTL), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config, tel observability.Observability) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.BackendSQS:
		sqsCfg := sqsinfra.Config{
			QueueURL: cfg.SQSQueueURL,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
			GroupID:  cfg.SQSGroupID,
		}
		client, err := sqsinfra.NewClient(ctx, sqsCfg)
		if err != nil {
			return nil, err
		}
		return sqsinfra.NewQueue(client, sqsCfg), nil
	default:
		const name = "payments"
		dead := tel.Metrics().Counter(observability.MDeadLetters).Bind(observability.L("queue", name))
		logger := tel.Logger().With(observability.F("component", "payment_queue"))
		return memory.NewQueue(name,
			memory.WithMaxReceive(cfg.MaxReceive),
			memory.WithVisibilityTimeout(cfg.VisibilityTimeout),
			memory.WithDeadLetterHook(func(m queue.Message) {
				dead.Add(1)
				logger.Error("payment_dead_lettered",
					observability.F("message_id", m.ID),
					observability.F("order_key", m.Attributes[queue.AttrOrderKey]),
					observability.F("receive_count", m.ReceiveCount),
				)
			}),
		), nil
	}
}

func buildNotifier(cfg config.Config, logger observability.Logger) (domnotify.Notifier, error) {
	switch cfg.NotifyBackend {
	case config.BackendWebhook:
		return notify.NewWebhookNotifier(httpclient.New(httpclient.WithRateLimit(0, 0)), cfg.WebhookURL), nil
	default:
		return notify.NewLogNotifier(logger), nil
	}
}

func buildArchiver(ctx context.Context, cfg config.Config, logger observability.Logger, cleanup *closers) (archive.Archiver, error) {
	switch cfg.ArchiveBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendKafka:
		a := kafkainfra.NewArchiver(kafkainfra.NewWriter(cfg.KafkaBrokers, cfg.KafkaArchiveTopic))
		cleanup.add(func() { _ = a.Close() })
		return a, nil
	case config.BackendS3:
		client, err := archive.NewS3Client(ctx, archive.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		return archive.NewS3Archiver(client, cfg.S3Bucket, cfg.S3Prefix), nil
	default:
		return archive.NewLogArchiver(logger), nil
	}
}
