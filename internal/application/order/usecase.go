package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	orderService      = "order-service"
	useCasePlaceOrder = "order.place"
	spanPrefix        = "UC."
	peerStore         = "store"
	endpointCreate    = "create"

	// Orders share a partition per customer and are keyed by millisecond; a same-millisecond
	// collision moves the timestamp forward instead of overwriting.
	maxKeyCollisions = 3
)

var (
	ErrValidation = errors.New("order: validation failed")
	ErrRepository = errors.New("order: repository failure")
)

// PlaceOrderUseCase writes a new PENDING order. Fulfillment is driven by the order's change event.
type PlaceOrderUseCase struct {
	repo store.Repository
	now  func() time.Time
	tel  observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewPlaceOrderUseCase(repo store.Repository, now func() time.Time, tel observability.Observability) *PlaceOrderUseCase {
	tel = observability.Or(tel)
	if now == nil {
		now = time.Now
	}
	m := tel.Metrics()
	return &PlaceOrderUseCase{
		repo:         repo,
		now:          now,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", orderService)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

type PlaceOrderInput struct {
	CustomerID string
	Quantity   int64
	Item       string
	Model      string
}

type PlaceOrderResult struct {
	Key    store.Key
	Record store.Record
}

func (uc *PlaceOrderUseCase) Execute(ctx context.Context, cmd PlaceOrderInput) (_ *PlaceOrderResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCasePlaceOrder))

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"PlaceOrder",
		attribute.String("use_case", useCasePlaceOrder),
		attribute.String("order.customer_id", cmd.CustomerID),
		attribute.Int64("order.quantity", cmd.Quantity),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var key store.Key

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		uc.reqCounter.Add(1,
			observability.L("use_case", useCasePlaceOrder),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat, observability.L("use_case", useCasePlaceOrder))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if key.Valid() {
			fields = append(fields, observability.F("pk", key.PK), observability.F("sk", key.SK))
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	o, derr := domain.New(cmd.CustomerID, cmd.Quantity, uc.now())
	if derr != nil {
		outcome, statusText = "error", "INVALID_ORDER"
		return nil, fmt.Errorf("%w: %w", ErrValidation, derr)
	}
	o.Item, o.Model = cmd.Item, cmd.Model

	for attempt := 1; ; attempt++ {
		key = o.Key()
		rec := o.Record()
		cerr := uc.create(ctx, rec)
		if cerr == nil {
			span.SetAttributes(attribute.String("order.pk", key.PK), attribute.String("order.sk", key.SK))
			span.AddEvent("order.placed", trace.WithAttributes(attribute.String("order.status", string(o.Status))))
			return &PlaceOrderResult{Key: key, Record: rec}, nil
		}
		if !errors.Is(cerr, store.ErrConflict) || attempt >= maxKeyCollisions {
			outcome, statusText = "error", "STORE_CREATE_FAILED"
			return nil, fmt.Errorf("%w: %w", ErrRepository, cerr)
		}
		o.Timestamp = o.Timestamp.Add(time.Millisecond)
	}
}

func (uc *PlaceOrderUseCase) create(ctx context.Context, rec store.Record) error {
	start := time.Now()
	err := uc.repo.Create(ctx, rec)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	uc.extCounter.Add(1,
		observability.L("peer", peerStore),
		observability.L("endpoint", endpointCreate),
		observability.L("outcome", outcome),
	)
	uc.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerStore),
		observability.L("endpoint", endpointCreate),
	)
	return err
}
