package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
)

const (
	componentFeed      = "change_feed"
	defaultPartitions  = 4
	defaultMaxAttempts = 5
	defaultBackoff     = 100 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// Feed is an in-process change stream. Records are hashed by partition key onto a fixed set of
// partitions, each drained by one goroutine, so ordering holds per pk and not across pks. A record
// leaves its partition only once every handler accepted it.
type Feed struct {
	partitions  []*partition
	mu          sync.RWMutex
	handlers    []change.Handler
	maxAttempts int
	backoff     time.Duration
	log         observability.Logger
}

type partition struct {
	mu     sync.Mutex
	items  []change.Record
	signal chan struct{}
}

type FeedOption func(*Feed)

// WithRetry sets the initial redelivery backoff and after how many attempts a record that keeps
// failing is reported as stalled. Delivery of that record continues until a handler accepts it.
func WithRetry(maxAttempts int, backoff time.Duration) FeedOption {
	return func(f *Feed) {
		if maxAttempts > 0 {
			f.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			f.backoff = backoff
		}
	}
}

func NewFeed(partitions int, logger observability.Logger, opts ...FeedOption) *Feed {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	f := &Feed{
		partitions:  make([]*partition, partitions),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		log:         logger.With(observability.F("component", componentFeed)),
	}
	for i := range f.partitions {
		f.partitions[i] = &partition{signal: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Feed) Subscribe(h change.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// Append never blocks; the store calls it while holding its write lock.
func (f *Feed) Append(r change.Record) {
	p := f.partitions[f.partitionOf(r.PartitionKey())]
	p.mu.Lock()
	p.items = append(p.items, r)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run drains every partition until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, p := range f.partitions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.drain(ctx, i, p)
		}()
	}
	f.log.Info("change_feed_started", observability.F("partitions", len(f.partitions)))
	wg.Wait()
	f.log.Info("change_feed_stopped")
	return nil
}

func (f *Feed) partitionOf(pk string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pk))
	return int(h.Sum32() % uint32(len(f.partitions)))
}

func (f *Feed) drain(ctx context.Context, idx int, p *partition) {
	for {
		p.mu.Lock()
		if len(p.items) == 0 {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-p.signal:
				continue
			}
		}
		r := p.items[0]
		p.items = p.items[1:]
		p.mu.Unlock()

		f.deliver(ctx, idx, r)
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *Feed) deliver(ctx context.Context, idx int, r change.Record) {
	f.mu.RLock()
	handlers := append([]change.Handler(nil), f.handlers...)
	f.mu.RUnlock()

	for _, h := range handlers {
		backoff := f.backoff
		for attempt := 1; ; attempt++ {
			err := h(ctx, r)
			if err == nil {
				break
			}
			logger := f.log.With(
				observability.F("partition", idx),
				observability.F("pk", r.PartitionKey()),
				observability.F("sequence_number", r.SequenceNumber),
				observability.F("attempt", attempt),
			)
			if attempt == f.maxAttempts {
				logger.Error("change_record_stalled", observability.F("error", err.Error()))
			} else {
				logger.Warn("change_record_retry", observability.F("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
