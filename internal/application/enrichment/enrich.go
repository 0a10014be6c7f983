package enrichment

import (
	"errors"
	"reflect"
	"sort"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

// DefaultProducer is stamped into meta.producer of every enriched event.
const DefaultProducer = "cdc-enrichment"

var ErrMalformedRecord = errors.New("enrichment: change record carries neither image")

// Enrich normalizes one raw change record. It is pure and safe to retry. An empty image counts as absent.
func Enrich(r change.Record, producer string) (change.Event, error) {
	newImage, oldImage := present(r.NewImage), present(r.OldImage)
	if newImage == nil && oldImage == nil {
		return change.Event{}, ErrMalformedRecord
	}
	if producer == "" {
		producer = DefaultProducer
	}

	var eventType change.EventType
	switch {
	case newImage != nil && oldImage != nil:
		eventType = change.TypeUpdate
	case oldImage != nil:
		eventType = change.TypeRemove
	default:
		eventType = change.TypeInsert
	}

	keySource := newImage
	if keySource == nil {
		keySource = oldImage
	}
	key := keySource.Key()

	name := r.EventName
	if name == "" {
		name = change.NameUnknown
	}

	data := change.Data{
		PK:        key.PK,
		SK:        key.SK,
		EventName: name,
		EventType: eventType,
		NewImage:  newImage.Clone(),
		OldImage:  oldImage.Clone(),
	}
	if eventType == change.TypeUpdate {
		data.Changes = Diff(oldImage, newImage)
	}

	return change.Event{
		Meta: change.Meta{Producer: producer},
		Data: data,
	}, nil
}

func present(img store.Record) store.Record {
	if len(img) == 0 {
		return nil
	}
	return img
}

// Diff lists the attributes whose values differ between two images, sorted by name.
// Attributes present on only one side count as changed.
func Diff(before, after store.Record) *change.ColumnChanges {
	cols := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		cols[k] = struct{}{}
	}
	for k := range after {
		cols[k] = struct{}{}
	}

	out := &change.ColumnChanges{
		Columns: []string{},
		Before:  map[string]any{},
		After:   map[string]any{},
	}
	for k := range cols {
		b, inBefore := before[k]
		a, inAfter := after[k]
		if inBefore && inAfter && equalValues(a, b) {
			continue
		}
		out.Columns = append(out.Columns, k)
		if inBefore {
			out.Before[k] = b
		}
		if inAfter {
			out.After[k] = a
		}
	}
	sort.Strings(out.Columns)
	return out
}

func equalValues(a, b any) bool {
	if na, ok := store.ToNumber(a); ok {
		nb, ok := store.ToNumber(b)
		return ok && na == nb
	}
	return reflect.DeepEqual(a, b)
}
