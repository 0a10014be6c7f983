package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	dompay "github.com/Zhima-Mochi/macguffin-orders/internal/domain/payment"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu     sync.Mutex
	status []int
	err    error
	bodies [][]byte
}

func (g *fakeGateway) Pay(_ context.Context, body []byte) (dompay.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bodies = append(g.bodies, body)
	if g.err != nil {
		return dompay.Response{}, g.err
	}
	st := 200
	if len(g.status) > 0 {
		st = g.status[0]
		if len(g.status) > 1 {
			g.status = g.status[1:]
		}
	}
	return dompay.Response{Status: st}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bodies)
}

type fakeRecorder struct {
	paid, failed []string
}

func (r *fakeRecorder) RecordPaid(_ context.Context, k string) error {
	r.paid = append(r.paid, k)
	return nil
}

func (r *fakeRecorder) RecordFailed(_ context.Context, k, _ string) error {
	r.failed = append(r.failed, k)
	return nil
}

func TestExecuteSucceedsOn2xx(t *testing.T) {
	rec := &fakeRecorder{}
	uc := NewDispatchUseCase(&fakeGateway{status: []int{201}}, rec, 10, nil)

	res, err := uc.Execute(context.Background(), queue.Message{
		ID:           "m-1",
		Body:         []byte(`{"customerId":"c","quantity":1}`),
		ReceiveCount: 1,
		Attributes:   map[string]string{queue.AttrOrderKey: "CUSTOMER#c|TIMESTAMP#1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, res.Status)
	assert.Equal(t, []string{"CUSTOMER#c|TIMESTAMP#1"}, rec.paid)
}

func TestExecuteFailsOnNon2xx(t *testing.T) {
	rec := &fakeRecorder{}
	uc := NewDispatchUseCase(&fakeGateway{status: []int{503}}, rec, 10, nil)
	msg := queue.Message{ID: "m-1", ReceiveCount: 3, Attributes: map[string]string{queue.AttrOrderKey: "CUSTOMER#c|TIMESTAMP#1"}}

	res, err := uc.Execute(context.Background(), msg)
	require.ErrorIs(t, err, ErrPaymentRejected)
	assert.False(t, res.Final)
	assert.Empty(t, rec.failed)

	msg.ReceiveCount = 10
	res, err = uc.Execute(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, res.Final)
	assert.Equal(t, []string{"CUSTOMER#c|TIMESTAMP#1"}, rec.failed)
}

func TestExecuteFailsOnTransportError(t *testing.T) {
	uc := NewDispatchUseCase(&fakeGateway{err: errors.New("connection refused")}, nil, 10, nil)
	_, err := uc.Execute(context.Background(), queue.Message{ID: "m-1", ReceiveCount: 1})
	assert.Error(t, err)
}

func runDispatcher(t *testing.T, q *memory.Queue, gw dompay.Gateway) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(q, NewDispatchUseCase(gw, nil, queue.DefaultMaxReceive, nil),
		DispatcherConfig{BatchSize: 10, WaitTime: 20 * time.Millisecond, Concurrency: 2}, nil)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestDispatcherAcksAcceptedPayments(t *testing.T) {
	q := memory.NewQueue("payments")
	gw := &fakeGateway{}
	_, err := q.Enqueue(context.Background(), queue.Message{Body: []byte(`{"customerId":"c","quantity":2}`)})
	require.NoError(t, err)

	stop := runDispatcher(t, q, gw)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, gw.calls())
	assert.Zero(t, q.DeadLetters().Len())
}

func TestDispatcherDeadLettersAfterMaxReceive(t *testing.T) {
	var dead []queue.Message
	var mu sync.Mutex
	q := memory.NewQueue("payments", memory.WithDeadLetterHook(func(m queue.Message) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, m)
	}))
	gw := &fakeGateway{status: []int{500}}
	_, err := q.Enqueue(context.Background(), queue.Message{Body: []byte(`{"customerId":"c","quantity":2}`)})
	require.NoError(t, err)

	stop := runDispatcher(t, q, gw)
	require.Eventually(t, func() bool { return q.DeadLetters().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, queue.DefaultMaxReceive, gw.calls())
	assert.Zero(t, q.Len())
	mu.Lock()
	assert.Len(t, dead, 1)
	mu.Unlock()
}

func TestOrderStatusRecorder(t *testing.T) {
	st := memory.NewStore()
	o, err := order.New("c-1", 3, time.UnixMilli(1700000000000))
	require.NoError(t, err)
	rec := o.Record()
	rec["note"] = "gift"
	require.NoError(t, st.Put(context.Background(), rec))

	r := NewOrderStatusRecorder(st)
	require.NoError(t, r.RecordPaid(context.Background(), o.Key().String()))
	require.NoError(t, r.RecordPaid(context.Background(), o.Key().String()))

	got, err := st.Get(context.Background(), o.Key())
	require.NoError(t, err)
	assert.Equal(t, string(order.StatusPaid), got[order.AttrStatus])
	assert.Equal(t, "gift", got["note"])

	assert.Error(t, r.RecordFailed(context.Background(), o.Key().String(), "declined"))
	assert.Error(t, r.RecordPaid(context.Background(), "not-a-key"))
}
