package fulfillment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/payment"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"
	"github.com/gowebpki/jcs"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	fulfillmentService = "order-fulfillment"
	useCaseFulfill     = "order.fulfill"
	spanPrefix         = "UC."

	peerStore        = "store"
	peerPaymentQueue = "payment_queue"

	processedKeyPrefix = "fulfillment:"
)

var (
	ErrInvalidOrder   = errors.New("fulfillment: event does not carry a valid order")
	ErrEnqueueFailed  = errors.New("fulfillment: payment enqueue failed")
	ErrCompensation   = errors.New("fulfillment: inventory compensation failed")
	ErrProcessedClaim = errors.New("fulfillment: processed-set claim failed")
	ErrInFlight       = errors.New("fulfillment: order is held by another execution")
)

type Config struct {
	// ProductKey is the inventory record drawn from when the order names no item/model.
	ProductKey      store.Key
	EnqueueAttempts int
	EnqueueBackoff  time.Duration
}

// Workflow runs the order fulfillment state machine: a conditional inventory decrement and a payment
// enqueue in parallel, joined before the execution ends. The enqueue waits for the decrement's verdict
// and is skipped when stock is insufficient, so a rejected order never reaches payment dispatch.
type Workflow struct {
	store     store.Repository
	processed idempotency.Set
	payments  queue.Producer
	cfg       Config
	tel       observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewWorkflow(st store.Repository, processed idempotency.Set, payments queue.Producer, cfg Config, tel observability.Observability) *Workflow {
	tel = observability.Or(tel)
	if !cfg.ProductKey.Valid() {
		cfg.ProductKey = inventory.Key(inventory.DefaultItem, inventory.DefaultModel)
	}
	if cfg.EnqueueAttempts <= 0 {
		cfg.EnqueueAttempts = 3
	}
	if cfg.EnqueueBackoff <= 0 {
		cfg.EnqueueBackoff = 100 * time.Millisecond
	}
	m := tel.Metrics()
	return &Workflow{
		store:        st,
		processed:    processed,
		payments:     payments,
		cfg:          cfg,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", fulfillmentService)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute runs one execution for an order INSERT envelope. A rejected decrement completes the
// execution with OutcomeInventoryRejected and a nil error; a returned error means the delivery
// should be retried (or, for ErrInvalidOrder and ErrCompensation, dropped).
func (w *Workflow) Execute(ctx context.Context, env change.Envelope) (_ *Execution, err error) {
	key := env.Detail.Key()
	logger := logctx.FromOr(ctx, w.log).With(
		observability.F("use_case", useCaseFulfill),
		observability.F("order_key", key.String()),
	)

	ctx, span := w.tel.Tracer().Start(ctx, spanPrefix+"FulfillOrder",
		attribute.String("use_case", useCaseFulfill),
		attribute.String("order.pk", key.PK),
		attribute.String("order.sk", key.SK),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var exec *Execution

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		w.reqCounter.Add(1,
			observability.L("use_case", useCaseFulfill),
			observability.L("outcome", outcome),
		)
		w.durHistogram.Observe(lat, observability.L("use_case", useCaseFulfill))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if exec != nil {
			fields = append(fields,
				observability.F("state", string(exec.State)),
				observability.F("inventory_branch", string(exec.Inventory.Status)),
				observability.F("payment_branch", string(exec.Payment.Status)),
			)
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	o, perr := order.FromRecord(env.Detail.Data.NewImage)
	if perr != nil || !key.Valid() {
		outcome, statusText = "error", "INVALID_ORDER"
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, perr)
	}
	exec = newExecution(key, o, env.Detail.Data.NewImage.Clone(), o.InventoryKey(w.cfg.ProductKey))
	span.SetAttributes(
		attribute.String("order.customer_id", o.CustomerID),
		attribute.Int64("order.quantity", o.Quantity),
	)

	claimKey := processedKeyPrefix + key.String()
	claim, cerr := w.processed.Claim(ctx, claimKey)
	if cerr != nil {
		outcome, statusText = "error", "PROCESSED_CLAIM_FAILED"
		return exec, fmt.Errorf("%w: %w", ErrProcessedClaim, cerr)
	}
	switch claim {
	case idempotency.Done:
		_ = exec.fire(TriggerDuplicate)
		exec.Outcome = OutcomeDuplicate
		outcome, statusText = "duplicate", "ALREADY_PROCESSED"
		span.AddEvent("order.duplicate_delivery")
		return exec, nil
	case idempotency.InProgress:
		// Retried until the holder completes or its lease lapses.
		outcome, statusText = "error", "IN_FLIGHT"
		return exec, ErrInFlight
	}

	if err := exec.fire(TriggerBegin); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return exec, err
	}
	w.runBranches(ctx, exec)

	switch {
	case exec.Inventory.Status == BranchFailed && !exec.Inventory.Retryable:
		_ = exec.fire(TriggerInventoryRejected)
		_ = exec.fire(TriggerFinish)
		exec.Outcome = OutcomeInventoryRejected
		outcome, statusText = "failed", "INVENTORY_ADJUST_FAILED"
		w.complete(ctx, logger, claimKey)
		span.AddEvent("inventory.rejected", trace.WithAttributes(
			attribute.String("inventory.key", exec.InventoryKey.String()),
		))
		return exec, nil

	case exec.Inventory.Status == BranchFailed:
		outcome, statusText = "error", "INVENTORY_ADJUST_ERROR"
		w.release(ctx, logger, claimKey)
		return exec, fmt.Errorf("fulfillment: inventory adjust: %w", exec.Inventory.Err)

	case exec.Payment.Status != BranchSucceeded:
		outcome, statusText = "error", "PAYMENT_ENQUEUE_FAILED"
		if cerr := w.compensate(ctx, exec); cerr != nil {
			// Mark done: a redelivery would decrement a second time.
			w.complete(ctx, logger, claimKey)
			logger.Error("inventory_compensation_failed",
				observability.F("inventory_key", exec.InventoryKey.String()),
				observability.F("quantity", o.Quantity),
				observability.F("error", cerr.Error()),
			)
			statusText = "COMPENSATION_FAILED"
			return exec, fmt.Errorf("%w: %w", ErrCompensation, cerr)
		}
		w.release(ctx, logger, claimKey)
		return exec, fmt.Errorf("%w: %w", ErrEnqueueFailed, exec.Payment.Err)
	}

	if err := exec.fire(TriggerBranchesJoined); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return exec, err
	}
	exec.Outcome = OutcomeSucceeded
	w.complete(ctx, logger, claimKey)
	span.SetAttributes(attribute.Int64("inventory.remaining", exec.Remaining))
	return exec, nil
}

// runBranches starts both branches and returns once both are terminal.
func (w *Workflow) runBranches(ctx context.Context, exec *Execution) {
	verdict := make(chan bool, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		exec.Inventory, exec.Remaining = w.adjustInventory(ctx, exec)
		verdict <- exec.Inventory.Status == BranchSucceeded
	}()
	go func() {
		defer wg.Done()
		exec.Payment, exec.MessageID = w.enqueuePayment(ctx, exec, verdict)
	}()
	wg.Wait()
}

func (w *Workflow) adjustInventory(ctx context.Context, exec *Execution) (BranchResult, int64) {
	ctx, span := w.tel.Tracer().Start(ctx, "Branch.InventoryAdjust",
		attribute.String("inventory.key", exec.InventoryKey.String()),
		attribute.Int64("order.quantity", exec.Order.Quantity),
	)
	defer span.End()

	start := time.Now()
	rec, err := w.store.ConditionalUpdate(ctx, exec.InventoryKey, store.Decrement(inventory.AttrQuantity, exec.Order.Quantity))
	w.observeExternal(peerStore, "conditional_update", start, err)

	switch {
	case err == nil:
		remaining, _ := rec.Int(inventory.AttrQuantity)
		span.SetStatus(codes.Ok, "OK")
		return BranchResult{Status: BranchSucceeded}, remaining
	case errors.Is(err, store.ErrConditionFailed), errors.Is(err, store.ErrNotFound):
		span.SetStatus(codes.Error, "CONDITION_FAILED")
		return BranchResult{Status: BranchFailed, Err: err}, 0
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "STORE_ERROR")
		return BranchResult{Status: BranchFailed, Err: err, Retryable: true}, 0
	}
}

func (w *Workflow) enqueuePayment(ctx context.Context, exec *Execution, verdict <-chan bool) (BranchResult, string) {
	ctx, span := w.tel.Tracer().Start(ctx, "Branch.PaymentEnqueue",
		attribute.String("order.key", exec.Key.String()),
	)
	defer span.End()

	msg, err := PaymentMessage(exec.Key, exec.Order, exec.Payload)
	if err != nil {
		// Still wait for the verdict so the join sees both branches settle in order.
		<-verdict
		span.RecordError(err)
		return BranchResult{Status: BranchFailed, Err: err}, ""
	}

	if ok := <-verdict; !ok {
		span.AddEvent("payment.enqueue_skipped")
		return BranchResult{Status: BranchSkipped}, ""
	}

	backoff := w.cfg.EnqueueBackoff
	var lastErr error
	for attempt := 1; attempt <= w.cfg.EnqueueAttempts; attempt++ {
		start := time.Now()
		id, err := w.payments.Enqueue(ctx, msg)
		w.observeExternal(peerPaymentQueue, "enqueue", start, err)
		if err == nil {
			span.SetAttributes(attribute.String("message.id", id))
			return BranchResult{Status: BranchSucceeded}, id
		}
		lastErr = err
		if attempt == w.cfg.EnqueueAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = w.cfg.EnqueueAttempts
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "ENQUEUE_FAILED")
	return BranchResult{Status: BranchFailed, Err: lastErr, Retryable: true}, ""
}

// compensate restores the decremented quantity after the payment branch failed.
func (w *Workflow) compensate(ctx context.Context, exec *Execution) error {
	start := time.Now()
	_, err := w.store.ConditionalUpdate(ctx, exec.InventoryKey, store.Update{
		Field: inventory.AttrQuantity,
		Delta: exec.Order.Quantity,
	})
	w.observeExternal(peerStore, "compensate", start, err)
	return err
}

// complete retains the claim after the join. A failure leaves the lease to lapse, after which a
// redelivery would run the order again.
func (w *Workflow) complete(ctx context.Context, logger observability.Logger, claimKey string) {
	if err := w.processed.Complete(ctx, claimKey); err != nil {
		logger.Error("processed_complete_failed", observability.F("error", err.Error()))
	}
}

func (w *Workflow) release(ctx context.Context, logger observability.Logger, claimKey string) {
	if err := w.processed.Release(ctx, claimKey); err != nil {
		logger.Warn("processed_release_failed", observability.F("error", err.Error()))
	}
}

func (w *Workflow) observeExternal(peer, endpoint string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	w.extCounter.Add(1,
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	w.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
	)
}

// PaymentMessage builds the queued payment request for an order. The body is canonical JSON (RFC 8785)
// and the deduplication id is its SHA-256, so redelivered executions produce identical messages.
func PaymentMessage(key store.Key, o *order.Order, payload store.Record) (queue.Message, error) {
	body, err := json.Marshal(payment.Request{
		CustomerID: o.CustomerID,
		Quantity:   o.Quantity,
		Payload:    payload,
	})
	if err != nil {
		return queue.Message{}, fmt.Errorf("fulfillment: encode payment request: %w", err)
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return queue.Message{}, fmt.Errorf("fulfillment: canonicalize payment request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return queue.Message{
		Body:            canonical,
		DeduplicationID: hex.EncodeToString(sum[:]),
		Attributes: map[string]string{
			queue.AttrOrderKey:   key.String(),
			queue.AttrCustomerID: o.CustomerID,
		},
	}, nil
}
