package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"
	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	enrichmentService = "cdc-enrichment"
	useCaseEnrich     = "change.enrich"
	spanPrefix        = "UC."

	DefaultSource     = "macguffin.wims"
	DefaultDetailType = "cdcEvent"
)

// Router forwards an envelope to every matching subscriber and returns the matched rule names.
type Router interface {
	Route(ctx context.Context, env change.Envelope) ([]string, error)
}

type Options struct {
	Producer   string
	Source     string
	DetailType string
	NewID      func() string
	Now        func() time.Time
}

// UseCase turns raw change records into routed envelopes.
type UseCase struct {
	router Router
	opts   Options
	tel    observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewUseCase(router Router, opts Options, tel observability.Observability) *UseCase {
	tel = observability.Or(tel)
	if opts.Producer == "" {
		opts.Producer = DefaultProducer
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.DetailType == "" {
		opts.DetailType = DefaultDetailType
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &UseCase{
		router:       router,
		opts:         opts,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", enrichmentService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

// Execute enriches and routes one record. Malformed records are logged and dropped with a nil error so
// the feed does not redeliver them; routing errors are returned for redelivery.
func (uc *UseCase) Execute(ctx context.Context, rec change.Record) (err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseEnrich),
		observability.F("change_event_id", rec.EventID),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"EnrichChange",
		attribute.String("use_case", useCaseEnrich),
		attribute.String("change.event_name", rec.EventName),
		attribute.String("change.pk", rec.PartitionKey()),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var matched []string

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
			observability.L("use_case", useCaseEnrich),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseEnrich))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("matched_rules", matched),
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Debug("use_case_done", fields...)
	}()

	event, eerr := Enrich(rec, uc.opts.Producer)
	if errors.Is(eerr, ErrMalformedRecord) {
		outcome, statusText = "dropped", "MALFORMED_RECORD"
		logger.Warn("change_record_malformed",
			observability.F("event_name", rec.EventName),
			observability.F("sequence_number", rec.SequenceNumber),
		)
		return nil
	}
	if eerr != nil {
		outcome, statusText = "error", "ENRICH_FAILED"
		return fmt.Errorf("enrichment: enrich: %w", eerr)
	}

	env := change.Envelope{
		ID:         uc.opts.NewID(),
		Source:     uc.opts.Source,
		DetailType: uc.opts.DetailType,
		Time:       uc.opts.Now().UTC(),
		Detail:     event,
	}
	span.SetAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.type", string(event.Data.EventType)),
	)

	matched, err = uc.router.Route(ctx, env)
	if err != nil {
		outcome, statusText = "error", "ROUTE_FAILED"
		return fmt.Errorf("enrichment: route: %w", err)
	}
	if len(matched) == 0 {
		statusText = "UNMATCHED"
	}
	return nil
}
