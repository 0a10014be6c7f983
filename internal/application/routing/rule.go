package routing

import (
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

const (
	TargetFulfillment = "order.fulfillment"
	TargetLowStock    = "inventory.low_stock"
	TargetArchive     = "event.archive"

	RuleFulfillment = "order-fulfillment"
	RuleLowStock    = "inventory-low-stock"
	RuleArchive     = "archive-all"

	DefaultLowStockThreshold = 100
)

// Rule forwards envelopes that pass its source filter, detail-type filter and predicate to Target.
// Empty filters and a nil predicate match everything.
type Rule struct {
	Name       string
	Source     string
	DetailType string
	Predicate  Predicate
	Target     string
}

func (r Rule) Matches(env change.Envelope) bool {
	return r.matchDoc(env, Document(env))
}

func (r Rule) matchDoc(env change.Envelope, doc map[string]any) bool {
	if r.Source != "" && env.Source != r.Source {
		return false
	}
	if r.DetailType != "" && env.DetailType != r.DetailType {
		return false
	}
	return r.Predicate == nil || r.Predicate.Match(doc)
}

// DefaultRules returns the order fulfillment, low-stock and archive rules.
func DefaultRules(source, detailType string, threshold int64) []Rule {
	return []Rule{
		{
			Name:       RuleFulfillment,
			Source:     source,
			DetailType: detailType,
			Predicate: All{
				Equals{Path: "data.eventType", Value: string(change.TypeInsert)},
				Prefix{Path: "data.pk", Prefix: "CUSTOMER#"},
			},
			Target: TargetFulfillment,
		},
		{
			Name:       RuleLowStock,
			Source:     source,
			DetailType: detailType,
			Predicate: All{
				Equals{Path: "data.eventType", Value: string(change.TypeUpdate)},
				Prefix{Path: "data.pk", Prefix: "INVENTORY#"},
				Numeric{Path: "data.newImage.quantity", Op: store.OpLE, Value: float64(threshold)},
			},
			Target: TargetLowStock,
		},
		{
			Name:   RuleArchive,
			Source: source,
			Target: TargetArchive,
		},
	}
}

// Document is the view of an envelope that predicates evaluate against.
func Document(env change.Envelope) map[string]any {
	d := env.Detail.Data
	data := map[string]any{
		"pk":        d.PK,
		"sk":        d.SK,
		"eventName": d.EventName,
		"eventType": string(d.EventType),
	}
	if d.NewImage != nil {
		data["newImage"] = map[string]any(d.NewImage)
	}
	if d.OldImage != nil {
		data["oldImage"] = map[string]any(d.OldImage)
	}
	if d.Changes != nil {
		cols := make([]any, len(d.Changes.Columns))
		for i, c := range d.Changes.Columns {
			cols[i] = c
		}
		data["changes"] = map[string]any{
			"columnsChanged": cols,
			"before":         d.Changes.Before,
			"after":          d.Changes.After,
		}
	}
	return map[string]any{
		"id":         env.ID,
		"source":     env.Source,
		"detailType": env.DetailType,
		"time":       env.Time.UTC().Format(time.RFC3339Nano),
		"meta":       map[string]any{"producer": env.Detail.Meta.Producer},
		"data":       data,
	}
}
