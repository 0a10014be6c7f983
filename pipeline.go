package main

import (
	"github.com/Zhima-Mochi/macguffin-orders/internal/application/alerting"
	"github.com/Zhima-Mochi/macguffin-orders/internal/application/enrichment"
	"github.com/Zhima-Mochi/macguffin-orders/internal/application/fulfillment"
	"github.com/Zhima-Mochi/macguffin-orders/internal/application/routing"
	"github.com/Zhima-Mochi/macguffin-orders/internal/config"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	domnotify "github.com/Zhima-Mochi/macguffin-orders/internal/domain/notify"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/archive"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
)

type pipelineDeps struct {
	store      store.Repository
	feed       change.Feed
	processed  idempotency.Set
	payments   queue.Producer
	notifier   domnotify.Notifier
	archiver   archive.Archiver // nil disables archiving
	rules      []routing.Rule
	productKey store.Key
}

// newPipeline wires the event path from the change feed through enrichment and the router to the
// fulfillment, low-stock and archive subscribers. The returned bus is not started.
func newPipeline(cfg config.Config, deps pipelineDeps, logger observability.Logger, tel observability.Observability) (*outbox.Bus, error) {
	bus := outbox.NewBus(logger,
		outbox.WithConcurrency(cfg.BusConcurrency),
		outbox.WithRetry(cfg.BusMaxAttempts, 0),
	)

	router, err := routing.NewRouter(deps.rules, bus, tel)
	if err != nil {
		return nil, err
	}
	enrich := enrichment.NewUseCase(router, enrichment.Options{
		Producer:   cfg.Producer,
		Source:     cfg.Source,
		DetailType: cfg.DetailType,
	}, tel)
	deps.feed.Subscribe(enrich.Execute)

	workflow := fulfillment.NewWorkflow(deps.store, deps.processed, deps.payments, fulfillment.Config{
		ProductKey:      deps.productKey,
		EnqueueAttempts: cfg.EnqueueAttempts,
	}, tel)
	fulfillment.NewWorker(bus, workflow, tel).Start()

	lowStock := alerting.NewLowStockUseCase(deps.notifier, alerting.Config{
		Threshold: cfg.LowStockThreshold,
		Sink:      cfg.NotifyBackend,
	}, tel)
	alerting.NewWorker(bus, lowStock, tel).Start()

	archive.NewWorker(bus, deps.archiver, tel).Start()
	return bus, nil
}
