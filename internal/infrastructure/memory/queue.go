package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/queue"
	"github.com/google/uuid"
)

const (
	defaultVisibility  = 30 * time.Second
	defaultDedupWindow = 5 * time.Minute
	pollInterval       = 50 * time.Millisecond
)

// Queue is an in-process queue with visibility timeouts and a dead-letter channel: a message that has
// already been delivered maxReceive times is moved to the dead-letter queue on its next receive.
type Queue struct {
	mu          sync.Mutex
	name        string
	entries     []*entry
	inflight    map[string]*entry
	dedup       map[string]dedupEntry
	visibility  time.Duration
	maxReceive  int
	dedupWindow time.Duration
	dlq         *Queue
	onDead      func(queue.Message)
	signal      chan struct{}
	now         func() time.Time
}

type entry struct {
	msg       queue.Message
	visibleAt time.Time
}

type dedupEntry struct {
	id string
	at time.Time
}

type QueueOption func(*Queue)

func WithVisibilityTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithMaxReceive(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxReceive = n
		}
	}
}

// WithDeadLetterHook is called (outside the queue lock) for every message moved to the dead-letter queue.
func WithDeadLetterHook(fn func(queue.Message)) QueueOption {
	return func(q *Queue) { q.onDead = fn }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(name string, opts ...QueueOption) *Queue {
	q := newQueue(name)
	for _, opt := range opts {
		opt(q)
	}
	q.dlq = newQueue(name + "-dlq")
	q.dlq.now = q.now
	return q
}

func newQueue(name string) *Queue {
	return &Queue{
		name:        name,
		inflight:    make(map[string]*entry),
		dedup:       make(map[string]dedupEntry),
		visibility:  defaultVisibility,
		maxReceive:  queue.DefaultMaxReceive,
		dedupWindow: defaultDedupWindow,
		signal:      make(chan struct{}, 1),
		now:         time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

// DeadLetters returns the dead-letter queue for inspection or manual redrive.
func (q *Queue) DeadLetters() *Queue { return q.dlq }

func (q *Queue) Enqueue(ctx context.Context, m queue.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	now := q.now()
	if m.DeduplicationID != "" {
		if d, ok := q.dedup[m.DeduplicationID]; ok && now.Sub(d.at) < q.dedupWindow {
			q.mu.Unlock()
			return d.id, nil
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.SentAt = now
	m.ReceiveCount = 0
	m.ReceiptHandle = ""
	q.entries = append(q.entries, &entry{msg: m, visibleAt: now})
	if m.DeduplicationID != "" {
		q.dedup[m.DeduplicationID] = dedupEntry{id: m.ID, at: now}
	}
	q.mu.Unlock()

	q.wake()
	return m.ID, nil
}

func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)
	for {
		out, dead := q.collect(max)
		for _, m := range dead {
			if q.onDead != nil {
				q.onDead(m)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) collect(max int) (out, dead []queue.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if len(out) >= max || now.Before(e.visibleAt) {
			kept = append(kept, e)
			continue
		}
		if e.msg.ReceiveCount >= q.maxReceive {
			q.forgetReceipt(e)
			dead = append(dead, e.msg)
			continue
		}
		q.forgetReceipt(e)
		e.msg.ReceiveCount++
		e.msg.ReceiptHandle = uuid.NewString()
		e.visibleAt = now.Add(q.visibility)
		q.inflight[e.msg.ReceiptHandle] = e
		out = append(out, e.msg)
		kept = append(kept, e)
	}
	q.entries = kept

	for _, m := range dead {
		m.ReceiptHandle = ""
		q.dlq.push(m, now)
	}
	return out, dead
}

func (q *Queue) forgetReceipt(e *entry) {
	if e.msg.ReceiptHandle != "" {
		delete(q.inflight, e.msg.ReceiptHandle)
	}
}

func (q *Queue) push(m queue.Message, now time.Time) {
	q.mu.Lock()
	q.entries = append(q.entries, &entry{msg: m, visibleAt: now})
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) Ack(ctx context.Context, receipt string) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[receipt]
	if !ok {
		return queue.ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	for i, cand := range q.entries {
		if cand == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, receipt string) error {
	_ = ctx
	q.mu.Lock()
	e, ok := q.inflight[receipt]
	if !ok {
		q.mu.Unlock()
		return queue.ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	e.msg.ReceiptHandle = ""
	e.visibleAt = q.now()
	q.mu.Unlock()

	q.wake()
	return nil
}

// Len reports the number of messages held, visible or in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns copies of the held messages in enqueue order.
func (q *Queue) Snapshot() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Message, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.msg)
	}
	return out
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
