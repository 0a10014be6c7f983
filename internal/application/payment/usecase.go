package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	dompay "github.com/Zhima-Mochi/macguffin-orders/internal/domain/payment"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	paymentService     = "payment-dispatch"
	useCaseDispatch    = "payment.dispatch"
	dispatchSpanName   = "DispatchPayment"
	spanPrefix         = "UC."
	peerPaymentGateway = "payment_gateway"

	declinedReason = "payment_declined"
)

var ErrPaymentRejected = errors.New("payment: endpoint returned a non-2xx status")

// StatusRecorder writes the payment outcome back to the order. Optional.
type StatusRecorder interface {
	RecordPaid(ctx context.Context, orderKey string) error
	RecordFailed(ctx context.Context, orderKey, reason string) error
}

type DispatchResult struct {
	Status int
	// Final is set when this was the last delivery before the message moves to the dead-letter queue.
	Final bool
}

// DispatchUseCase posts one queued payment request to the payment endpoint.
type DispatchUseCase struct {
	gateway    dompay.Gateway
	recorder   StatusRecorder
	maxReceive int
	tel        observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHist      observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewDispatchUseCase(gateway dompay.Gateway, recorder StatusRecorder, maxReceive int, tel observability.Observability) *DispatchUseCase {
	tel = observability.Or(tel)
	if maxReceive <= 0 {
		maxReceive = queue.DefaultMaxReceive
	}
	m := tel.Metrics()
	return &DispatchUseCase{
		gateway:      gateway,
		recorder:     recorder,
		maxReceive:   maxReceive,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", paymentService)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHist:      m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute returns nil only for a 2xx reply; any other outcome leaves the message for redelivery.
func (uc *DispatchUseCase) Execute(ctx context.Context, msg queue.Message) (_ *DispatchResult, err error) {
	orderKey := msg.Attributes[queue.AttrOrderKey]
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseDispatch),
		observability.F("message_id", msg.ID),
		observability.F("order_key", orderKey),
		observability.F("receive_count", msg.ReceiveCount),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+dispatchSpanName,
		attribute.String("use_case", useCaseDispatch),
		attribute.String("message.id", msg.ID),
		attribute.Int("message.receive_count", msg.ReceiveCount),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	result := &DispatchResult{Final: msg.ReceiveCount >= uc.maxReceive}

	defer func() {
		span.SetAttributes(attribute.Int("http.response.status_code", result.Status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		latency := time.Since(start).Seconds()
		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseDispatch),
			observability.L("outcome", outcome),
		)
		uc.durHist.Observe(latency, observability.L("use_case", useCaseDispatch))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", latency),
			observability.F("http_status", result.Status),
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	callStart := time.Now()
	resp, err := uc.gateway.Pay(ctx, msg.Body)
	uc.observeGateway(callStart, resp.Status, err)
	result.Status = resp.Status
	if err != nil {
		outcome, statusText = "error", "PAYMENT_REQUEST_FAILED"
		uc.recordFailure(ctx, logger, orderKey, result, err.Error())
		return result, fmt.Errorf("payment: post: %w", err)
	}
	if !resp.OK() {
		outcome, statusText = "error", "PAYMENT_REJECTED"
		uc.recordFailure(ctx, logger, orderKey, result, declinedReason)
		return result, fmt.Errorf("%w: %d", ErrPaymentRejected, resp.Status)
	}

	if uc.recorder != nil && orderKey != "" {
		if rerr := uc.recorder.RecordPaid(ctx, orderKey); rerr != nil {
			logger.Warn("order_status_record_failed", observability.F("error", rerr.Error()))
		}
	}
	return result, nil
}

// recordFailure marks the order FAILED only once no redelivery is left.
func (uc *DispatchUseCase) recordFailure(ctx context.Context, logger observability.Logger, orderKey string, result *DispatchResult, reason string) {
	if uc.recorder == nil || orderKey == "" || !result.Final {
		return
	}
	if err := uc.recorder.RecordFailed(ctx, orderKey, reason); err != nil {
		logger.Warn("order_status_record_failed", observability.F("error", err.Error()))
	}
}

func (uc *DispatchUseCase) observeGateway(start time.Time, status int, err error) {
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case status < 200 || status > 299:
		outcome = "http_" + strconv.Itoa(status)
	}
	uc.extCounter.Add(1,
		observability.L("peer", peerPaymentGateway),
		observability.L("endpoint", "pay"),
		observability.L("outcome", outcome),
	)
	uc.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerPaymentGateway),
		observability.L("endpoint", "pay"),
	)
}
