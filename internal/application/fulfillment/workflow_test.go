package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultInventoryKey() store.Key {
	return inventory.Key(inventory.DefaultItem, inventory.DefaultModel)
}

func orderKey(customer string, offset int) store.Key {
	o, _ := order.New(customer, 1, baseTime.Add(time.Duration(offset)*time.Millisecond))
	return o.Key()
}

func orderEnvelope(t *testing.T, customer string, qty int64, offset int) change.Envelope {
	t.Helper()
	o, err := order.New(customer, qty, baseTime.Add(time.Duration(offset)*time.Millisecond))
	require.NoError(t, err)
	rec := o.Record()
	k := o.Key()
	return change.Envelope{
		ID:         "evt-" + k.String(),
		Source:     "macguffin.wims",
		DetailType: "cdcEvent",
		Time:       baseTime,
		Detail: change.Event{
			Meta: change.Meta{Producer: "cdc-enrichment"},
			Data: change.Data{
				PK:        k.PK,
				SK:        k.SK,
				EventName: change.NameInsert,
				EventType: change.TypeInsert,
				NewImage:  rec,
			},
		},
	}
}

type fixture struct {
	store     *memory.Store
	processed *memory.ProcessedSet
	queue     *memory.Queue
}

func newFixture(t *testing.T, stock int64) *fixture {
	t.Helper()
	st := memory.NewStore()
	require.NoError(t, st.Put(context.Background(), inventory.Seed(stock).Record()))
	return &fixture{
		store:     st,
		processed: memory.NewProcessedSet(time.Minute, time.Hour),
		queue:     memory.NewQueue("payments"),
	}
}

func (f *fixture) stock(t *testing.T) int64 {
	t.Helper()
	rec, err := f.store.Get(context.Background(), defaultInventoryKey())
	require.NoError(t, err)
	qty, ok := rec.Int(inventory.AttrQuantity)
	require.True(t, ok)
	return qty
}

func fastConfig() Config {
	return Config{EnqueueAttempts: 2, EnqueueBackoff: time.Millisecond}
}

type flakyStore struct {
	store.Repository
	fail func(u store.Update) error
}

func (s *flakyStore) ConditionalUpdate(ctx context.Context, key store.Key, u store.Update) (store.Record, error) {
	if err := s.fail(u); err != nil {
		return nil, err
	}
	return s.Repository.ConditionalUpdate(ctx, key, u)
}

type failingProducer struct {
	calls atomic.Int32
}

func (p *failingProducer) Enqueue(context.Context, queue.Message) (string, error) {
	p.calls.Add(1)
	return "", errors.New("queue unavailable")
}

func TestExecuteDecrementsStockAndEnqueuesPayment(t *testing.T) {
	f := newFixture(t, 1000000)
	wf := NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 7, 0)

	exec, err := wf.Execute(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, exec.Outcome)
	assert.Equal(t, []State{StateStart, StateParallelBranches, StateEnd}, exec.History)
	assert.Equal(t, BranchSucceeded, exec.Inventory.Status)
	assert.Equal(t, BranchSucceeded, exec.Payment.Status)
	assert.Equal(t, int64(999993), exec.Remaining)
	assert.Equal(t, int64(999993), f.stock(t))

	msgs := f.queue.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, exec.MessageID, msgs[0].ID)
	assert.Equal(t, env.Detail.Key().String(), msgs[0].Attributes[queue.AttrOrderKey])

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Body, &body))
	assert.Equal(t, "c-1", body["customerId"])
	assert.EqualValues(t, 7, body["quantity"])
}

func TestExecuteRejectsOrderExceedingStock(t *testing.T) {
	f := newFixture(t, 5)
	wf := NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)

	exec, err := wf.Execute(context.Background(), orderEnvelope(t, "c-1", 7, 0))
	require.NoError(t, err)

	assert.Equal(t, OutcomeInventoryRejected, exec.Outcome)
	assert.Equal(t, []State{StateStart, StateParallelBranches, StateInventoryAdjustFailed, StateEnd}, exec.History)
	assert.Equal(t, BranchSkipped, exec.Payment.Status)
	assert.Equal(t, int64(5), f.stock(t))
	assert.Zero(t, f.queue.Len())
}

func TestExecuteIgnoresRedeliveredOrder(t *testing.T) {
	f := newFixture(t, 1000000)
	wf := NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 7, 0)

	_, err := wf.Execute(context.Background(), env)
	require.NoError(t, err)
	exec, err := wf.Execute(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, exec.Outcome)
	assert.Equal(t, []State{StateStart, StateEnd}, exec.History)
	assert.Equal(t, int64(999993), f.stock(t))
	assert.Equal(t, 1, f.queue.Len())
}

func TestExecuteRejectsMalformedOrder(t *testing.T) {
	f := newFixture(t, 10)
	wf := NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 3, 0)
	delete(env.Detail.Data.NewImage, order.AttrQuantity)

	_, err := wf.Execute(context.Background(), env)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, int64(10), f.stock(t))
}

func TestExecuteReleasesClaimOnTransientStoreError(t *testing.T) {
	f := newFixture(t, 100)
	flaky := &flakyStore{Repository: f.store, fail: func(store.Update) error { return errors.New("throttled") }}
	wf := NewWorkflow(flaky, f.processed, f.queue, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 3, 0)

	_, err := wf.Execute(context.Background(), env)
	require.Error(t, err)
	assert.Zero(t, f.queue.Len())

	// A redelivery runs the workflow again.
	wf = NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)
	exec, err := wf.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, exec.Outcome)
	assert.Equal(t, int64(97), f.stock(t))
}

func TestExecuteCompensatesWhenEnqueueFails(t *testing.T) {
	f := newFixture(t, 100)
	producer := &failingProducer{}
	wf := NewWorkflow(f.store, f.processed, producer, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 30, 0)

	exec, err := wf.Execute(context.Background(), env)
	require.ErrorIs(t, err, ErrEnqueueFailed)
	assert.Equal(t, BranchFailed, exec.Payment.Status)
	assert.EqualValues(t, 2, producer.calls.Load())
	assert.Equal(t, int64(100), f.stock(t))

	claim, err := f.processed.Claim(context.Background(), processedKeyPrefix+env.Detail.Key().String())
	require.NoError(t, err)
	assert.Equal(t, idempotency.Acquired, claim, "claim should have been released")
}

func TestExecuteMarksClaimDoneWhenCompensationFails(t *testing.T) {
	f := newFixture(t, 100)
	flaky := &flakyStore{Repository: f.store, fail: func(u store.Update) error {
		if u.Delta > 0 {
			return errors.New("store down")
		}
		return nil
	}}
	wf := NewWorkflow(flaky, f.processed, &failingProducer{}, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 30, 0)

	_, err := wf.Execute(context.Background(), env)
	require.ErrorIs(t, err, ErrCompensation)
	assert.Equal(t, int64(70), f.stock(t))

	claim, err := f.processed.Claim(context.Background(), processedKeyPrefix+env.Detail.Key().String())
	require.NoError(t, err)
	assert.Equal(t, idempotency.Done, claim)
}

func TestExecuteRetriesWhileAnotherExecutionHoldsTheLease(t *testing.T) {
	f := newFixture(t, 100)
	wf := NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 5, 0)

	claim, err := f.processed.Claim(context.Background(), processedKeyPrefix+env.Detail.Key().String())
	require.NoError(t, err)
	require.Equal(t, idempotency.Acquired, claim)

	exec, err := wf.Execute(context.Background(), env)
	require.ErrorIs(t, err, ErrInFlight)
	assert.NotEqual(t, OutcomeDuplicate, exec.Outcome)
	assert.Equal(t, int64(100), f.stock(t))
}

func TestExecuteRunsOrderAfterAbandonedLeaseLapses(t *testing.T) {
	f := newFixture(t, 100)
	processed := memory.NewProcessedSet(5*time.Millisecond, time.Hour)
	wf := NewWorkflow(f.store, processed, f.queue, fastConfig(), nil)
	env := orderEnvelope(t, "c-1", 5, 0)

	// An execution that died between claim and join.
	claim, err := processed.Claim(context.Background(), processedKeyPrefix+env.Detail.Key().String())
	require.NoError(t, err)
	require.Equal(t, idempotency.Acquired, claim)

	require.Eventually(t, func() bool {
		exec, err := wf.Execute(context.Background(), env)
		return err == nil && exec.Outcome == OutcomeSucceeded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(95), f.stock(t))
	assert.Equal(t, 1, f.queue.Len())

	exec, err := wf.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, exec.Outcome)
}

func TestConcurrentExecutionsNeverOversell(t *testing.T) {
	f := newFixture(t, 100)
	wf := NewWorkflow(f.store, f.processed, f.queue, fastConfig(), nil)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := wf.Execute(context.Background(), orderEnvelope(t, "c-1", 10, i))
			if !assert.NoError(t, err) {
				return
			}
			switch exec.Outcome {
			case OutcomeSucceeded:
				succeeded.Add(1)
			case OutcomeInventoryRejected:
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 10, succeeded.Load())
	assert.EqualValues(t, 10, rejected.Load())
	assert.Zero(t, f.stock(t))
	assert.Equal(t, 10, f.queue.Len())
}

func TestPaymentMessageIsCanonical(t *testing.T) {
	o, err := order.New("c-9", 4, baseTime)
	require.NoError(t, err)
	payload := o.Record()

	a, err := PaymentMessage(o.Key(), o, payload)
	require.NoError(t, err)
	b, err := PaymentMessage(o.Key(), o, payload.Clone())
	require.NoError(t, err)

	assert.Equal(t, a.Body, b.Body)
	assert.Equal(t, a.DeduplicationID, b.DeduplicationID)
	assert.Len(t, a.DeduplicationID, 64)
	assert.Contains(t, string(a.Body), `"customerId":"c-9"`)
}
