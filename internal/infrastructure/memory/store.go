package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/google/uuid"
)

// ChangeSink receives one change record per mutation, in commit order.
type ChangeSink interface {
	Append(r change.Record)
}

// Store is a mutex-serialised table. Every mutation is emitted to the sink while the write lock is held,
// so records for the same key reach the feed in commit order.
type Store struct {
	mu    sync.RWMutex
	items map[store.Key]store.Record
	sink  ChangeSink
	seq   uint64
	now   func() time.Time
}

type StoreOption func(*Store)

func WithChangeSink(s ChangeSink) StoreOption {
	return func(st *Store) { st.sink = s }
}

func WithClock(now func() time.Time) StoreOption {
	return func(st *Store) { st.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		items: make(map[store.Key]store.Record),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Put(ctx context.Context, rec store.Record) error {
	_ = ctx
	key := rec.Key()
	if !key.Valid() {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.items[key]
	s.items[key] = rec.Clone()
	s.emit(key, old, rec)
	return nil
}

func (s *Store) Create(ctx context.Context, rec store.Record) error {
	_ = ctx
	key := rec.Key()
	if !key.Valid() {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		return store.ErrConflict
	}
	s.items[key] = rec.Clone()
	s.emit(key, nil, rec)
	return nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, key store.Key, u store.Update) (store.Record, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	holds, err := u.Condition.Holds(cur)
	if err != nil {
		return nil, err
	}
	if !holds {
		return nil, store.ErrConditionFailed
	}

	next := cur.Clone()
	v, _ := cur.Int(u.Field)
	next[u.Field] = v + u.Delta
	s.items[key] = next
	s.emit(key, cur, next)
	return next.Clone(), nil
}

func (s *Store) emit(key store.Key, old, cur store.Record) {
	if s.sink == nil {
		return
	}
	s.seq++
	name := change.NameInsert
	if old != nil {
		name = change.NameUpdate
	}
	s.sink.Append(change.Record{
		EventID:                 uuid.NewString(),
		EventName:               name,
		SequenceNumber:          strconv.FormatUint(s.seq, 10),
		ApproximateCreationTime: s.now().UTC(),
		Keys:                    key,
		OldImage:                old.Clone(),
		NewImage:                cur.Clone(),
	})
}
