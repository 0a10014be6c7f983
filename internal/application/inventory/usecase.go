package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	dominv "github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	inventoryService  = "inventory-service"
	useCaseGetItem    = "inventory.get"
	useCaseSeed       = "inventory.seed"
	spanPrefix        = "UC."
	peerStore         = "store"
	endpointGet       = "get"
	endpointCreate    = "create"
	statusNotFound    = "NOT_FOUND"
	statusStoreFailed = "STORE_FAILED"
)

var ErrNotFound = dominv.ErrNotFound

// GetItemUseCase reads one inventory record.
type GetItemUseCase struct {
	repo store.Repository
	key  store.Key
	tel  observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// NewGetItemUseCase reads key, the product the service sells.
func NewGetItemUseCase(repo store.Repository, key store.Key, tel observability.Observability) *GetItemUseCase {
	tel = observability.Or(tel)
	m := tel.Metrics()
	return &GetItemUseCase{
		repo:         repo,
		key:          key,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", inventoryService)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute returns the stored record as-is; it is validated as an inventory item first.
func (uc *GetItemUseCase) Execute(ctx context.Context, _ struct{}) (_ store.Record, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseGetItem),
		observability.F("pk", uc.key.PK),
	)
	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"GetInventory",
		attribute.String("use_case", useCaseGetItem),
		attribute.String("inventory.pk", uc.key.PK),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		uc.reqCounter.Add(1, observability.L("use_case", useCaseGetItem), observability.L("outcome", outcome))
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseGetItem))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Debug("use_case_done", fields...)
	}()

	extStart := time.Now()
	rec, gerr := uc.repo.Get(ctx, uc.key)
	observeStore(uc.extCounter, uc.extHistogram, endpointGet, extStart, gerr)
	switch {
	case errors.Is(gerr, store.ErrNotFound):
		outcome, statusText = "not_found", statusNotFound
		return nil, ErrNotFound
	case gerr != nil:
		outcome, statusText = "error", statusStoreFailed
		return nil, fmt.Errorf("inventory: read %s: %w", uc.key, gerr)
	}
	item, derr := dominv.FromRecord(rec)
	if derr != nil {
		outcome, statusText = "error", "INVALID_RECORD"
		return nil, derr
	}
	span.SetAttributes(attribute.Int64("inventory.quantity", item.Quantity))
	return rec, nil
}

// Seed creates item unless a record already exists under its key. It reports whether it wrote.
func Seed(ctx context.Context, repo store.Repository, item *dominv.Item, tel observability.Observability) (bool, error) {
	tel = observability.Or(tel)
	m := tel.Metrics()
	logger := logctx.FromOr(ctx, tel.Logger()).With(
		observability.F("service", inventoryService),
		observability.F("use_case", useCaseSeed),
		observability.F("pk", item.Key().PK),
		observability.F("sk", item.Key().SK),
	)

	start := time.Now()
	err := repo.Create(ctx, item.Record())
	observeStore(m.Counter(observability.MExternalRequests), m.Histogram(observability.MExternalRequestDuration),
		endpointCreate, start, err)
	switch {
	case err == nil:
		logger.Info("inventory_seeded", observability.F("quantity", item.Quantity))
		return true, nil
	case errors.Is(err, store.ErrConflict):
		logger.Info("inventory_seed_skipped")
		return false, nil
	default:
		logger.Error("inventory_seed_failed", observability.F("error", err.Error()))
		return false, fmt.Errorf("inventory: seed: %w", err)
	}
}

func observeStore(c observability.Counter, h observability.Histogram, endpoint string, start time.Time, err error) {
	outcome := "success"
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrConflict) {
		outcome = "error"
	}
	c.Add(1,
		observability.L("peer", peerStore),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	h.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerStore),
		observability.L("endpoint", endpoint),
	)
}
