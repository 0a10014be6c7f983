package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	workerpresentation "github.com/Zhima-Mochi/macguffin-orders/internal/presentation/worker"
)

const dispatcherService = "payment_dispatcher"

// Executor is the part of DispatchUseCase the dispatcher drives.
type Executor interface {
	Execute(ctx context.Context, msg queue.Message) (*DispatchResult, error)
}

type DispatcherConfig struct {
	BatchSize   int
	WaitTime    time.Duration
	Concurrency int
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Dispatcher drains the payment queue: it acks a message once the endpoint accepted it and nacks it
// otherwise so the queue redelivers it until it moves to the dead-letter queue.
type Dispatcher struct {
	consumer queue.Consumer
	executor Executor
	cfg      DispatcherConfig
	tel      observability.Observability
	log      observability.Logger
}

func NewDispatcher(consumer queue.Consumer, executor Executor, cfg DispatcherConfig, tel observability.Observability) *Dispatcher {
	tel = observability.Or(tel)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Dispatcher{
		consumer: consumer,
		executor: executor,
		cfg:      cfg,
		tel:      tel,
		log:      tel.Logger().With(observability.F("service", dispatcherService)),
	}
}

// Run polls until ctx is cancelled. In-flight messages finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := d.consumer.Receive(ctx, d.cfg.BatchSize, d.cfg.WaitTime)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			d.log.Warn("payment_receive_failed", observability.F("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.ErrorBackoff):
			}
			continue
		}
		for _, m := range msgs {
			sem <- struct{}{}
			wg.Add(1)
			go func(m queue.Message) {
				defer func() { <-sem; wg.Done() }()
				d.handle(ctx, m)
			}(m)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, m queue.Message) {
	// Settle the message even when Run is being cancelled.
	ctx = context.WithoutCancel(ctx)
	ctx = workerpresentation.WithEventContext(ctx, d.log, d.tel, map[string]string{
		"event_id": m.ID,
		"queue":    "payments",
	})

	if _, err := d.executor.Execute(ctx, m); err != nil {
		if nerr := d.consumer.Nack(ctx, m.ReceiptHandle); nerr != nil {
			d.log.Warn("payment_nack_failed",
				observability.F("message_id", m.ID),
				observability.F("error", nerr.Error()),
			)
		}
		return
	}
	if err := d.consumer.Ack(ctx, m.ReceiptHandle); err != nil {
		d.log.Warn("payment_ack_failed",
			observability.F("message_id", m.ID),
			observability.F("error", err.Error()),
		)
	}
}
