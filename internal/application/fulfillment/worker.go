package fulfillment

import (
	"context"
	"errors"

	"github.com/Zhima-Mochi/macguffin-orders/internal/application/routing"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	domoutbox "github.com/Zhima-Mochi/macguffin-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	workerpresentation "github.com/Zhima-Mochi/macguffin-orders/internal/presentation/worker"
)

const workerService = "fulfillment_worker"

// Executor is the part of Workflow the worker drives.
type Executor interface {
	Execute(ctx context.Context, env change.Envelope) (*Execution, error)
}

// Worker starts one workflow execution per routed order INSERT.
type Worker struct {
	subscriber domoutbox.Subscriber
	executor   Executor
	tel        observability.Observability
	log        observability.Logger
}

func NewWorker(subscriber domoutbox.Subscriber, executor Executor, tel observability.Observability) *Worker {
	tel = observability.Or(tel)
	return &Worker{
		subscriber: subscriber,
		executor:   executor,
		tel:        tel,
		log:        tel.Logger().With(observability.F("service", workerService)),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.executor == nil {
		return
	}
	w.subscriber.Subscribe(routing.TargetFulfillment,
		workerpresentation.Middleware(w.log, w.tel, eventAttrs, w.handle))
}

func (w *Worker) handle(ctx context.Context, e domoutbox.Event) error {
	routed, ok := e.(routing.Routed)
	if !ok {
		return nil
	}
	_, err := w.executor.Execute(ctx, routed.Envelope)
	if errors.Is(err, ErrInvalidOrder) || errors.Is(err, ErrCompensation) {
		return domoutbox.Permanent(err)
	}
	return err
}

func eventAttrs(e domoutbox.Event) map[string]string {
	routed, ok := e.(routing.Routed)
	if !ok {
		return nil
	}
	return map[string]string{
		"event_id": routed.Envelope.ID,
		"rule":     routed.Rule,
	}
}
