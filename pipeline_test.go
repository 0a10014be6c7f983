package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/application/routing"
	"github.com/Zhima-Mochi/macguffin-orders/internal/config"
	dominv "github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	domnotify "github.com/Zhima-Mochi/macguffin-orders/internal/domain/notify"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []domnotify.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n domnotify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type switchableProducer struct {
	queue.Producer
	down  atomic.Bool
	calls atomic.Int32
}

func (p *switchableProducer) Enqueue(ctx context.Context, m queue.Message) (string, error) {
	p.calls.Add(1)
	if p.down.Load() {
		return "", errors.New("queue unavailable")
	}
	return p.Producer.Enqueue(ctx, m)
}

type harness struct {
	store    *memory.Store
	payments *memory.Queue
	notifier *captureNotifier
}

func testConfig() config.Config {
	return config.Config{
		Source:            "macguffin.wims",
		DetailType:        "cdcEvent",
		Producer:          "cdc-enrichment",
		LowStockThreshold: routing.DefaultLowStockThreshold,
		NotifyBackend:     config.BackendLog,
		BusConcurrency:    8,
		BusMaxAttempts:    2,
		EnqueueAttempts:   1,
	}
}

// startPipeline runs the in-process event path over a memory store seeded with stock units.
// wrap decorates the payment queue when non-nil.
func startPipeline(t *testing.T, stock int64, wrap func(queue.Producer) queue.Producer) *harness {
	t.Helper()
	cfg := testConfig()
	feed := memory.NewFeed(2, observability.NopLogger(), memory.WithRetry(3, time.Millisecond))
	h := &harness{
		store:    memory.NewStore(memory.WithChangeSink(feed)),
		payments: memory.NewQueue("payments"),
		notifier: &captureNotifier{},
	}
	var payments queue.Producer = h.payments
	if wrap != nil {
		payments = wrap(payments)
	}

	bus, err := newPipeline(cfg, pipelineDeps{
		store:      h.store,
		feed:       feed,
		processed:  memory.NewProcessedSet(time.Minute, time.Hour),
		payments:   payments,
		notifier:   h.notifier,
		rules:      routing.DefaultRules(cfg.Source, cfg.DetailType, cfg.LowStockThreshold),
		productKey: dominv.Key(dominv.DefaultItem, dominv.DefaultModel),
	}, observability.NopLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		bus.Stop(stopCtx)
	})

	require.NoError(t, h.store.Put(context.Background(), dominv.Seed(stock).Record()))
	return h
}

func (h *harness) stock(t *testing.T) int64 {
	t.Helper()
	rec, err := h.store.Get(context.Background(), dominv.Key(dominv.DefaultItem, dominv.DefaultModel))
	require.NoError(t, err)
	qty, ok := rec.Int(dominv.AttrQuantity)
	require.True(t, ok)
	return qty
}

func placeOrder(t *testing.T, h *harness, qty int64, at time.Time) store.Key {
	t.Helper()
	o, err := order.New("349", qty, at)
	require.NoError(t, err)
	require.NoError(t, h.store.Create(context.Background(), o.Record()))
	return o.Key()
}

func TestPipelineFulfillsCreatedOrder(t *testing.T) {
	h := startPipeline(t, 1000000, nil)

	key := placeOrder(t, h, 7, time.Now())

	require.Eventually(t, func() bool { return h.payments.Len() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(999993), h.stock(t))

	msgs := h.payments.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, key.String(), msgs[0].Attributes[queue.AttrOrderKey])
	assert.Zero(t, h.notifier.count())
}

func TestPipelineRejectsOrderBeyondStock(t *testing.T) {
	h := startPipeline(t, 5, nil)

	now := time.Now()
	placeOrder(t, h, 7, now)
	// Same customer, so the later order shares the feed partition and runs after the first.
	placeOrder(t, h, 2, now.Add(time.Millisecond))

	require.Eventually(t, func() bool { return h.payments.Len() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), h.stock(t))
}

func TestPipelineAlertsOnceWhenStockDropsBelowThreshold(t *testing.T) {
	h := startPipeline(t, 150, nil)

	rec, err := h.store.ConditionalUpdate(context.Background(),
		dominv.Key(dominv.DefaultItem, dominv.DefaultModel), store.Decrement(dominv.AttrQuantity, 55))
	require.NoError(t, err)
	left, _ := rec.Int(dominv.AttrQuantity)
	require.Equal(t, int64(95), left)

	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	// No second notification arrives for the same update.
	time.Sleep(50 * time.Millisecond)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "95", h.notifier.sent[0].Fields["quantity"])
	assert.Zero(t, h.payments.Len())
}

func TestPipelineRedeliversOrderUntilPaymentQueueRecovers(t *testing.T) {
	var producer *switchableProducer
	h := startPipeline(t, 100, func(q queue.Producer) queue.Producer {
		producer = &switchableProducer{Producer: q}
		producer.down.Store(true)
		return producer
	})

	placeOrder(t, h, 10, time.Now())

	// The bus retries, then the feed redelivers; every failed attempt restores the stock.
	require.Eventually(t, func() bool { return producer.calls.Load() >= 4 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.payments.Len())

	producer.down.Store(false)
	require.Eventually(t, func() bool { return h.payments.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.stock(t) == 90 }, time.Second, 5*time.Millisecond)
}
