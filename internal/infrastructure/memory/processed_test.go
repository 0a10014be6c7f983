package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedSetClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := NewProcessedSet(0, 0)
	key := "CUSTOMER#349|TIMESTAMP#1"

	st, err := s.Claim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Acquired, st)

	st, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.InProgress, st)

	require.NoError(t, s.Complete(ctx, key))
	st, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Done, st)

	require.NoError(t, s.Release(ctx, key))
	st, err = s.Claim(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Acquired, st)
}

func TestProcessedSetLeaseLapsesBeforeRetention(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewProcessedSet(time.Minute, time.Hour)
	s.now = clock.Now

	st, _ := s.Claim(ctx, "abandoned")
	require.Equal(t, idempotency.Acquired, st)
	clock.Advance(2 * time.Minute)
	st, _ = s.Claim(ctx, "abandoned")
	assert.Equal(t, idempotency.Acquired, st, "a lease left by a crashed execution lapses")

	st, _ = s.Claim(ctx, "completed")
	require.Equal(t, idempotency.Acquired, st)
	require.NoError(t, s.Complete(ctx, "completed"))
	clock.Advance(30 * time.Minute)
	st, _ = s.Claim(ctx, "completed")
	assert.Equal(t, idempotency.Done, st)

	clock.Advance(time.Hour)
	st, _ = s.Claim(ctx, "completed")
	assert.Equal(t, idempotency.Acquired, st)
}
