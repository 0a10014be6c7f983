package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/segmentio/kafka-go"
)

// Feed consumes change records from a topic. Offsets are committed only after every handler
// accepted the record, so a crash redelivers uncommitted records. A record that keeps failing holds
// its partition and is retried with capped backoff; it is reported as stalled after maxAttempts.
type Feed struct {
	reader      Reader
	log         observability.Logger
	maxAttempts int
	backoff     time.Duration

	mu       sync.RWMutex
	handlers []change.Handler
}

var _ change.Feed = (*Feed)(nil)

func NewFeed(r Reader, logger observability.Logger, maxAttempts int, backoff time.Duration) *Feed {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Feed{
		reader:      r,
		log:         logger.With(observability.F("component", "kafka_change_feed")),
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (f *Feed) Subscribe(h change.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *Feed) Run(ctx context.Context) error {
	f.log.Info("change_feed_started")
	defer f.log.Info("change_feed_stopped")
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var rec change.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			f.log.Error("change_record_undecodable",
				observability.F("partition", msg.Partition),
				observability.F("offset", msg.Offset),
				observability.F("error", err.Error()),
			)
		} else if !f.deliver(extract(ctx, &msg), msg, rec) {
			// Stop without committing; the record is redelivered on restart.
			return nil
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

const maxBackoff = 5 * time.Second

// deliver reports false when ctx ended before every handler accepted rec.
func (f *Feed) deliver(ctx context.Context, msg kafka.Message, rec change.Record) bool {
	f.mu.RLock()
	handlers := append([]change.Handler(nil), f.handlers...)
	f.mu.RUnlock()

	for _, h := range handlers {
		backoff := f.backoff
		for attempt := 1; ; attempt++ {
			err := h(ctx, rec)
			if err == nil {
				break
			}
			logger := f.log.With(
				observability.F("partition", msg.Partition),
				observability.F("offset", msg.Offset),
				observability.F("pk", rec.PartitionKey()),
				observability.F("attempt", attempt),
			)
			if attempt == f.maxAttempts {
				logger.Error("change_record_stalled", observability.F("error", err.Error()))
			} else {
				logger.Warn("change_record_retry", observability.F("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return ctx.Err() == nil
}
