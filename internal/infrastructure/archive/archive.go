// Package archive records every routed envelope for audit and replay.
package archive

import (
	"context"
	"encoding/json"

	"github.com/Zhima-Mochi/macguffin-orders/internal/application/routing"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	domoutbox "github.com/Zhima-Mochi/macguffin-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	workerpresentation "github.com/Zhima-Mochi/macguffin-orders/internal/presentation/worker"
)

const (
	BackendNone  = "none"
	BackendLog   = "log"
	BackendKafka = "kafka"
	BackendS3    = "s3"
)

type Archiver interface {
	Archive(ctx context.Context, env change.Envelope) error
}

// LogArchiver writes each envelope as one info log line.
type LogArchiver struct {
	log observability.Logger
}

func NewLogArchiver(logger observability.Logger) *LogArchiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogArchiver{log: logger.With(observability.F("component", "event_archive"))}
}

func (a *LogArchiver) Archive(_ context.Context, env change.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	a.log.Info("event_archived",
		observability.F("event_id", env.ID),
		observability.F("detail_type", env.DetailType),
		observability.F("envelope", json.RawMessage(b)),
	)
	return nil
}

// Worker feeds routed archive events to an Archiver.
type Worker struct {
	subscriber domoutbox.Subscriber
	archiver   Archiver
	tel        observability.Observability
	archived   observability.Counter
}

func NewWorker(subscriber domoutbox.Subscriber, archiver Archiver, tel observability.Observability) *Worker {
	tel = observability.Or(tel)
	return &Worker{
		subscriber: subscriber,
		archiver:   archiver,
		tel:        tel,
		archived:   tel.Metrics().Counter(observability.MExternalRequests),
	}
}

func (w *Worker) Start() {
	if w.archiver == nil {
		return
	}
	w.subscriber.Subscribe(routing.TargetArchive, workerpresentation.Middleware(nil, w.tel,
		func(e domoutbox.Event) map[string]string {
			if r, ok := e.(routing.Routed); ok {
				return map[string]string{"event_id": r.Envelope.ID}
			}
			return nil
		},
		w.handle))
}

func (w *Worker) handle(ctx context.Context, e domoutbox.Event) error {
	r, ok := e.(routing.Routed)
	if !ok {
		return nil
	}
	err := w.archiver.Archive(ctx, r.Envelope)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	w.archived.Add(1,
		observability.L("peer", "archive"),
		observability.L("endpoint", "archive"),
		observability.L("outcome", outcome),
	)
	return err
}
