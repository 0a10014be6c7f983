// Package idempotency defines the processed-set used to make at-least-once consumers apply effects once.
package idempotency

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("idempotency: processed-set unavailable")

// Status is the state of a key as seen by Claim.
type Status int

const (
	// Acquired means this call took the in-progress lease.
	Acquired Status = iota + 1
	// InProgress means an unexpired lease is held by another (or a crashed) execution.
	InProgress
	// Done means the key was completed within the retention period.
	Done
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Set records which keys are being or have been processed. A claim is two-phase: Claim takes a
// short lease, Complete turns it into a retained marker. A lease that is never completed lapses,
// so a crashed execution does not block redelivery for the full retention period.
type Set interface {
	Claim(ctx context.Context, key string) (Status, error)
	Complete(ctx context.Context, key string) error
	// Release forgets key so a later delivery can claim it again.
	Release(ctx context.Context, key string) error
}

