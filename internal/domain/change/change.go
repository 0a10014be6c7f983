// Package change holds the change-feed record and the enriched event derived from it.
package change

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

const (
	NameInsert  = "INSERT"
	NameUpdate  = "UPDATE"
	NameModify  = "MODIFY"
	NameRemove  = "REMOVE"
	NameUnknown = "UNKNOWN"
)

// EventType is the classification derived from which images a record carries.
type EventType string

const (
	TypeInsert EventType = "INSERT"
	TypeUpdate EventType = "UPDATE"
	TypeRemove EventType = "REMOVE"
)

// Record is one raw change-feed item: the before/after images of a single store mutation.
type Record struct {
	EventID                 string       `json:"eventID,omitempty"`
	EventName               string       `json:"eventName,omitempty"`
	SequenceNumber          string       `json:"sequenceNumber,omitempty"`
	ApproximateCreationTime time.Time    `json:"approximateCreationTime,omitempty"`
	Keys                    store.Key    `json:"keys"`
	OldImage                store.Record `json:"oldImage,omitempty"`
	NewImage                store.Record `json:"newImage,omitempty"`
}

// PartitionKey is the pk used to keep per-partition ordering.
func (r Record) PartitionKey() string {
	if r.Keys.PK != "" {
		return r.Keys.PK
	}
	if r.NewImage != nil {
		return r.NewImage.Key().PK
	}
	if r.OldImage != nil {
		return r.OldImage.Key().PK
	}
	return ""
}

type Meta struct {
	Producer string `json:"producer"`
}

// ColumnChanges lists the attributes an UPDATE touched with their before/after values.
type ColumnChanges struct {
	Columns []string       `json:"columnsChanged"`
	Before  map[string]any `json:"before"`
	After   map[string]any `json:"after"`
}

type Data struct {
	PK        string         `json:"pk"`
	SK        string         `json:"sk"`
	EventName string         `json:"eventName"`
	EventType EventType      `json:"eventType"`
	NewImage  store.Record   `json:"newImage,omitempty"`
	OldImage  store.Record   `json:"oldImage,omitempty"`
	Changes   *ColumnChanges `json:"changes,omitempty"`
}

// Event is the normalized change event produced by enrichment.
type Event struct {
	Meta Meta `json:"meta"`
	Data Data `json:"data"`
}

func (e Event) Key() store.Key { return store.Key{PK: e.Data.PK, SK: e.Data.SK} }

// Envelope is the routed unit: an enriched event plus the source and detail type rules filter on.
type Envelope struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	DetailType string    `json:"detailType"`
	Time       time.Time `json:"time"`
	Detail     Event     `json:"detail"`
}

// Handler consumes one change record. A returned error asks the feed to redeliver.
type Handler func(ctx context.Context, r Record) error

// Feed is an at-least-once change stream ordered per partition key.
type Feed interface {
	Subscribe(h Handler)
	Run(ctx context.Context) error
}
