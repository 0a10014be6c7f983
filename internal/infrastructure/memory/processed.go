package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
)

// ProcessedSet is an in-process idempotency.Set. A zero lease or retention keeps that phase forever.
type ProcessedSet struct {
	mu        sync.Mutex
	keys      map[string]claim
	lease     time.Duration
	retention time.Duration
	now       func() time.Time
}

type claim struct {
	done    bool
	expires time.Time // zero never expires
}

var _ idempotency.Set = (*ProcessedSet)(nil)

func NewProcessedSet(lease, retention time.Duration) *ProcessedSet {
	return &ProcessedSet{
		keys:      make(map[string]claim),
		lease:     lease,
		retention: retention,
		now:       time.Now,
	}
}

func (s *ProcessedSet) Claim(ctx context.Context, key string) (idempotency.Status, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.keys[key]; ok && (c.expires.IsZero() || now.Before(c.expires)) {
		if c.done {
			return idempotency.Done, nil
		}
		return idempotency.InProgress, nil
	}
	s.keys[key] = claim{expires: expiry(now, s.lease)}
	return idempotency.Acquired, nil
}

func (s *ProcessedSet) Complete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = claim{done: true, expires: expiry(s.now(), s.retention)}
	return nil
}

func (s *ProcessedSet) Release(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
