// Package alerting notifies operators when an inventory update leaves stock at or below the threshold.
package alerting

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/application/routing"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/notify"
	domoutbox "github.com/Zhima-Mochi/macguffin-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"
	workerpresentation "github.com/Zhima-Mochi/macguffin-orders/internal/presentation/worker"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	alertingService = "inventory-alerting"
	useCaseLowStock = "inventory.low_stock"
	spanPrefix      = "UC."

	Subject = "MacGuffin inventory is running low"
)

type Config struct {
	// Threshold is used as given; zero alerts only on an empty stock.
	Threshold int64
	// Sink labels the notifications_total metric.
	Sink string
	Now  func() time.Time
}

// LowStockUseCase sends one notification per low-stock event. It does not deduplicate.
type LowStockUseCase struct {
	notifier notify.Notifier
	cfg      Config
	tel      observability.Observability

	log        observability.Logger
	reqCounter observability.Counter
	durHist    observability.Histogram
	notified   observability.Counter
}

func NewLowStockUseCase(notifier notify.Notifier, cfg Config, tel observability.Observability) *LowStockUseCase {
	tel = observability.Or(tel)
	if cfg.Sink == "" {
		cfg.Sink = "log"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := tel.Metrics()
	return &LowStockUseCase{
		notifier:   notifier,
		cfg:        cfg,
		tel:        tel,
		log:        tel.Logger().With(observability.F("service", alertingService)),
		reqCounter: m.Counter(observability.MUsecaseRequests),
		durHist:    m.Histogram(observability.MUsecaseDuration),
		notified:   m.Counter(observability.MNotifications),
	}
}

// Execute reports whether a notification was sent. Envelopes whose new image is above the threshold
// or is not an inventory item are ignored.
func (uc *LowStockUseCase) Execute(ctx context.Context, env change.Envelope) (sent bool, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseLowStock),
		observability.F("pk", env.Detail.Data.PK),
	)
	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"NotifyLowStock",
		attribute.String("use_case", useCaseLowStock),
		attribute.String("inventory.pk", env.Detail.Data.PK),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var item *inventory.Item

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		latency := time.Since(start).Seconds()
		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseLowStock),
			observability.L("outcome", outcome),
		)
		uc.durHist.Observe(latency, observability.L("use_case", useCaseLowStock))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", latency),
			observability.F("notified", sent),
		}
		if item != nil {
			fields = append(fields, observability.F("quantity", item.Quantity))
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	item, perr := inventory.FromRecord(env.Detail.Data.NewImage)
	if perr != nil {
		outcome, statusText = "ignored", "NOT_INVENTORY"
		return false, nil
	}
	if item.Quantity > uc.cfg.Threshold {
		outcome, statusText = "ignored", "ABOVE_THRESHOLD"
		return false, nil
	}

	n := Build(item, uc.cfg.Threshold, uc.cfg.Now())
	if err := uc.notifier.Notify(ctx, n); err != nil {
		outcome, statusText = "error", "NOTIFY_FAILED"
		uc.notified.Add(1, observability.L("sink", uc.cfg.Sink), observability.L("outcome", "error"))
		return false, fmt.Errorf("alerting: notify: %w", err)
	}
	uc.notified.Add(1, observability.L("sink", uc.cfg.Sink), observability.L("outcome", "success"))
	return true, nil
}

// Build renders the low-stock notification for item.
func Build(item *inventory.Item, threshold int64, now time.Time) notify.Notification {
	name := item.ProductName
	if name == "" {
		name = item.Name
	}
	return notify.Notification{
		Subject: Subject,
		Message: fmt.Sprintf("%s (model %s) has %d units left, at or below the threshold of %d.",
			name, item.Model, item.Quantity, threshold),
		Fields: map[string]string{
			"item":      item.Name,
			"model":     item.Model,
			"quantity":  strconv.FormatInt(item.Quantity, 10),
			"threshold": strconv.FormatInt(threshold, 10),
		},
		SentAt: now.UTC(),
	}
}

// Worker subscribes the use case to routed low-stock events.
type Worker struct {
	subscriber domoutbox.Subscriber
	useCase    *LowStockUseCase
	tel        observability.Observability
}

func NewWorker(subscriber domoutbox.Subscriber, useCase *LowStockUseCase, tel observability.Observability) *Worker {
	return &Worker{subscriber: subscriber, useCase: useCase, tel: observability.Or(tel)}
}

func (w *Worker) Start() {
	w.subscriber.Subscribe(routing.TargetLowStock, workerpresentation.Middleware(w.useCase.log, w.tel,
		func(e domoutbox.Event) map[string]string {
			if r, ok := e.(routing.Routed); ok {
				return map[string]string{"event_id": r.Envelope.ID, "rule": r.Rule}
			}
			return nil
		},
		func(ctx context.Context, e domoutbox.Event) error {
			r, ok := e.(routing.Routed)
			if !ok {
				return nil
			}
			_, err := w.useCase.Execute(ctx, r.Envelope)
			return err
		}))
}
