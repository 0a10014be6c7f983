package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func record(pk string, qty int) change.Record {
	return change.Record{
		EventName: change.NameUpdate,
		Keys:      store.Key{PK: pk, SK: "MODEL#LX"},
		NewImage:  store.Record{"pk": pk, "sk": "MODEL#LX", "quantity": qty},
	}
}

func TestChangePublisherWritesKeyedMessages(t *testing.T) {
	w := &fakeWriter{fail: 1}
	p := NewChangePublisher(w, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()

	p.Append(record("INVENTORY#A", 1))
	p.Append(record("INVENTORY#B", 2))
	require.Eventually(t, func() bool { return len(w.written()) == 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msgs := w.written()
	assert.Equal(t, "INVENTORY#A", string(msgs[0].Key))
	var got change.Record
	require.NoError(t, json.Unmarshal(msgs[1].Value, &got))
	qty, _ := got.NewImage.Int("quantity")
	assert.Equal(t, int64(2), qty)
}

func TestFeedCommitsAfterHandlersAccept(t *testing.T) {
	var msgs []kafka.Message
	for i, r := range []change.Record{record("INVENTORY#A", 1), record("INVENTORY#A", 2)} {
		b, err := json.Marshal(r)
		require.NoError(t, err)
		msgs = append(msgs, kafka.Message{Offset: int64(i), Value: b})
	}
	msgs = append(msgs, kafka.Message{Offset: 2, Value: []byte("not json")})
	reader := &fakeReader{pending: msgs}

	feed := NewFeed(reader, nil, 3, time.Millisecond)
	var mu sync.Mutex
	var seen []int64
	failures := 1
	feed.Subscribe(func(_ context.Context, r change.Record) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		q, _ := r.NewImage.Int("quantity")
		seen = append(seen, q)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, seen)
	assert.Equal(t, []int64{0, 1, 2}, reader.commits())
}

func TestArchiverInjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	w := &fakeWriter{}
	env := change.Envelope{ID: "evt-1", Source: "macguffin.wims", DetailType: "cdcEvent",
		Detail: change.Event{Data: change.Data{PK: "CUSTOMER#c", SK: "TIMESTAMP#1"}}}
	require.NoError(t, NewArchiver(w).Archive(ctx, env))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "CUSTOMER#c", string(msgs[0].Key))

	back := extract(context.Background(), &msgs[0])
	assert.Equal(t, traceID, trace.SpanContextFromContext(back).TraceID())
}
