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

const publishBatch = 100

// ChangePublisher writes store change records to the change topic, keyed by partition key so a
// hash balancer keeps per-key order. Append never blocks; Run does the writes.
type ChangePublisher struct {
	writer Writer
	log    observability.Logger

	mu      sync.Mutex
	pending []change.Record
	signal  chan struct{}
}

func NewChangePublisher(w Writer, logger observability.Logger) *ChangePublisher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ChangePublisher{
		writer: w,
		log:    logger.With(observability.F("component", "kafka_change_publisher")),
		signal: make(chan struct{}, 1),
	}
}

func (p *ChangePublisher) Append(r change.Record) {
	p.mu.Lock()
	p.pending = append(p.pending, r)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run flushes appended records until ctx is cancelled, then flushes once more.
func (p *ChangePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx), true)
			return nil
		case <-p.signal:
			p.flush(ctx, false)
		}
	}
}

func (p *ChangePublisher) flush(ctx context.Context, final bool) {
	for {
		p.mu.Lock()
		n := min(len(p.pending), publishBatch)
		batch := append([]change.Record(nil), p.pending[:n]...)
		p.mu.Unlock()
		if n == 0 {
			return
		}

		msgs := make([]kafka.Message, 0, n)
		for _, r := range batch {
			b, err := json.Marshal(r)
			if err != nil {
				p.log.Error("change_record_encode_failed",
					observability.F("pk", r.PartitionKey()),
					observability.F("error", err.Error()),
				)
				continue
			}
			msgs = append(msgs, kafka.Message{Key: []byte(r.PartitionKey()), Value: b, Time: r.ApproximateCreationTime})
		}
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			p.log.Warn("change_record_publish_failed",
				observability.F("records", n),
				observability.F("error", err.Error()),
			)
			if final {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.mu.Lock()
		p.pending = p.pending[n:]
		p.mu.Unlock()
	}
}
