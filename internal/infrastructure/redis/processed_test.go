package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	value string
	ttl   time.Duration
}

type fakeClient struct {
	keys map[string]entry
	err  error
}

func (f *fakeClient) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = entry{value: value.(string), ttl: exp}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.keys[key] = entry{value: value.(string), ttl: exp}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	e, ok := f.keys[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(e.value, nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestProcessedSetTwoPhaseClaim(t *testing.T) {
	c := &fakeClient{keys: map[string]entry{}}
	s := NewProcessedSet(c, "", time.Minute, time.Hour)
	ctx := context.Background()
	key := DefaultPrefix + "fulfillment:a"

	st, err := s.Claim(ctx, "fulfillment:a")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Acquired, st)
	assert.Equal(t, entry{value: "in_progress", ttl: time.Minute}, c.keys[key])

	st, err = s.Claim(ctx, "fulfillment:a")
	require.NoError(t, err)
	assert.Equal(t, idempotency.InProgress, st)

	require.NoError(t, s.Complete(ctx, "fulfillment:a"))
	assert.Equal(t, entry{value: "done", ttl: time.Hour}, c.keys[key])
	st, err = s.Claim(ctx, "fulfillment:a")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Done, st)

	require.NoError(t, s.Release(ctx, "fulfillment:a"))
	st, err = s.Claim(ctx, "fulfillment:a")
	require.NoError(t, err)
	assert.Equal(t, idempotency.Acquired, st)
}

func TestProcessedSetWrapsErrors(t *testing.T) {
	s := NewProcessedSet(&fakeClient{err: errors.New("dial tcp: refused")}, "", time.Minute, time.Hour)
	_, err := s.Claim(context.Background(), "k")
	assert.ErrorIs(t, err, idempotency.ErrUnavailable)
	assert.ErrorIs(t, s.Complete(context.Background(), "k"), idempotency.ErrUnavailable)
	assert.ErrorIs(t, s.Release(context.Background(), "k"), idempotency.ErrUnavailable)
}
