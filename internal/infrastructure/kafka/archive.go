package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/segmentio/kafka-go"
)

// Archiver appends every routed envelope to the archive topic.
type Archiver struct {
	writer Writer
}

func NewArchiver(w Writer) *Archiver { return &Archiver{writer: w} }

func (a *Archiver) Archive(ctx context.Context, env change.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka: encode envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.Detail.Data.PK),
		Value: b,
		Time:  env.Time,
		Headers: []kafka.Header{
			{Key: "detail-type", Value: []byte(env.DetailType)},
			{Key: "source", Value: []byte(env.Source)},
		},
	}
	inject(ctx, &msg)
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: archive %s: %w", env.ID, err)
	}
	return nil
}

func (a *Archiver) Close() error { return a.writer.Close() }
