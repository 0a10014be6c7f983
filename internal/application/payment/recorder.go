package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

// OrderStatusRecorder moves the stored order through the order state machine.
type OrderStatusRecorder struct {
	repo store.Repository
}

func NewOrderStatusRecorder(repo store.Repository) *OrderStatusRecorder {
	return &OrderStatusRecorder{repo: repo}
}

func (r *OrderStatusRecorder) RecordPaid(ctx context.Context, orderKey string) error {
	return r.update(ctx, orderKey, func(o *order.Order) error {
		if o.Status == order.StatusPaid {
			return errUnchanged
		}
		return o.MarkPaid()
	})
}

func (r *OrderStatusRecorder) RecordFailed(ctx context.Context, orderKey, reason string) error {
	return r.update(ctx, orderKey, func(o *order.Order) error {
		if o.Status == order.StatusFailed {
			return errUnchanged
		}
		return o.MarkFailed(reason)
	})
}

var errUnchanged = errors.New("unchanged")

func (r *OrderStatusRecorder) update(ctx context.Context, orderKey string, apply func(*order.Order) error) error {
	key, err := store.ParseKey(orderKey)
	if err != nil {
		return err
	}
	rec, err := r.repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("payment: load order %s: %w", key, err)
	}
	o, err := order.FromRecord(rec)
	if err != nil {
		return err
	}
	if err := apply(o); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}

	// Keep the attributes order.Record does not model.
	next := rec.Clone()
	next[order.AttrStatus] = string(o.Status)
	if o.FailureReason != "" {
		next[order.AttrReason] = o.FailureReason
	} else {
		delete(next, order.AttrReason)
	}
	return r.repo.Put(ctx, next)
}
