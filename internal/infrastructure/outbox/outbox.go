package outbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/macguffin-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"
)

const componentOutbox = "event_bus"

var ErrStopped = errors.New("outbox: bus stopped")

// Bus is an in-memory fanout between the router and rule-target subscribers. Every handler invocation
// takes a slot from one shared pool, so a slow subscriber of one event does not hold back other events.
// A failing handler is retried with backoff unless its error is permanent.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string][]domoutbox.Handler
	queue       chan queued
	slots       chan struct{}
	inflight    sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
	stopped     chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	concurrency int
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	log         observability.Logger
}

type queued struct {
	ctx      context.Context
	event    domoutbox.Event
	delivery *delivery
}

type delivery struct {
	done chan struct{}
	err  error
}

func newDelivery() *delivery { return &delivery{done: make(chan struct{})} }

func (d *delivery) settle(err error) {
	d.err = err
	close(d.done)
}

func (d *delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ domoutbox.Publisher  = (*Bus)(nil)
	_ domoutbox.Dispatcher = (*Bus)(nil)
)

type Option func(*Bus)

func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithRetry sets how many times a handler is invoked for one event before giving up.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(b *Bus) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			b.backoff = backoff
		}
	}
}

func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan queued, n)
		}
	}
}

func NewBus(logger observability.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	b := &Bus{
		subs:        make(map[string][]domoutbox.Handler),
		queue:       make(chan queued, 1024),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		concurrency: 8,
		timeout:     30 * time.Second,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		log:         logger.With(observability.F("component", componentOutbox)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.slots = make(chan struct{}, b.concurrency)
	return b
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		bg, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		go b.dispatchLoop(bg)
		logctx.FromOr(ctx, b.log).Info("event_bus_started")
	})
}

// Stop refuses new events, drains what is queued and waits for in-flight handlers or ctx.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopped)
		// A bus that never started has nothing to drain.
		b.startOnce.Do(func() { close(b.done) })
		select {
		case <-b.done:
		case <-ctx.Done():
			if b.cancel != nil {
				b.cancel()
			}
		}
		logctx.FromOr(ctx, b.log).Info("event_bus_stopped")
	})
}

// Publish enqueues e without waiting for its subscribers.
func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	_, err := b.Dispatch(ctx, e)
	return err
}

// Dispatch enqueues e and returns its delivery. The handler context keeps the caller's values (trace,
// logger) but not its deadline.
func (b *Bus) Dispatch(ctx context.Context, e domoutbox.Event) (domoutbox.Delivery, error) {
	d := newDelivery()
	if e == nil {
		d.settle(nil)
		return d, nil
	}
	select {
	case <-b.stopped:
		return nil, ErrStopped
	default:
	}
	logger := logctx.FromOr(ctx, b.log).With(observability.F("event", e.EventName()))
	select {
	case b.queue <- queued{ctx: context.WithoutCancel(ctx), event: e, delivery: d}:
		logger.Debug("event_enqueued")
		return d, nil
	case <-b.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		logger.Warn("event_enqueue_aborted", observability.F("error", ctx.Err().Error()))
		return nil, ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer func() {
		b.inflight.Wait()
		// Events left behind by a cancelled drain are reported to their waiters.
		for {
			select {
			case q := <-b.queue:
				q.delivery.settle(ErrStopped)
			default:
				close(b.done)
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-b.queue:
			b.fanout(ctx, q)
		case <-b.stopped:
			for {
				select {
				case <-ctx.Done():
					return
				case q := <-b.queue:
					b.fanout(ctx, q)
				default:
					return
				}
			}
		}
	}
}

// fanout starts every handler of q on the shared pool and settles the delivery once all are done.
// It returns as soon as the handlers are scheduled.
func (b *Bus) fanout(runCtx context.Context, q queued) {
	name := q.event.EventName()

	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	logger := logctx.FromOr(q.ctx, b.log).With(observability.F("event", name))
	if len(handlers) == 0 {
		logger.Debug("event_dropped_no_subscriber")
		q.delivery.settle(nil)
		return
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		b.slots <- struct{}{}
		wg.Add(1)
		b.inflight.Add(1)
		go func() {
			defer func() {
				<-b.slots
				wg.Done()
				b.inflight.Done()
			}()
			errs[i] = b.invoke(runCtx, q, h, logger)
		}()
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		wg.Wait()
		q.delivery.settle(errors.Join(errs...))
		logger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
	}()
}

// invoke returns nil once h accepted the event or failed permanently, otherwise the last error.
func (b *Bus) invoke(runCtx context.Context, q queued, h domoutbox.Handler, logger observability.Logger) error {
	backoff := b.backoff
	for attempt := 1; ; attempt++ {
		err := b.call(q, h, logger)
		if err == nil {
			return nil
		}
		fields := []observability.Field{
			observability.F("attempt", attempt),
			observability.F("error", err.Error()),
		}
		if domoutbox.IsPermanent(err) {
			logger.Error("event_handler_failed", fields...)
			return nil
		}
		if attempt >= b.maxAttempts {
			logger.Error("event_handler_failed", fields...)
			return err
		}
		logger.Warn("event_handler_error", fields...)
		select {
		case <-runCtx.Done():
			return fmt.Errorf("%w: %w", ErrStopped, err)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (b *Bus) call(q queued, h domoutbox.Handler, logger observability.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event_handler_panic",
				observability.F("panic", r),
				observability.F("stack", string(debug.Stack())),
			)
			err = domoutbox.Permanent(errors.New("outbox: handler panicked"))
		}
	}()
	ctx, cancel := context.WithTimeout(q.ctx, b.timeout)
	defer cancel()
	ctx = logctx.With(ctx, logger)
	return h(ctx, q.event)
}
