package order

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/Zhima-Mochi/macguffin-orders/internal/domain/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var placedAt = time.Date(2023, 12, 29, 22, 10, 41, 412*int(time.Millisecond), time.UTC)

func fixedClock() time.Time { return placedAt }

func TestPlaceOrderCreatesPendingOrder(t *testing.T) {
	st := memory.NewStore()
	uc := NewPlaceOrderUseCase(st, fixedClock, nil)

	res, err := uc.Execute(context.Background(), PlaceOrderInput{CustomerID: "c-1", Quantity: 7})
	require.NoError(t, err)
	assert.Equal(t, store.Key{PK: "CUSTOMER#c-1", SK: "TIMESTAMP#1703887841412"}, res.Key)

	got, err := st.Get(context.Background(), res.Key)
	require.NoError(t, err)
	o, err := domain.FromRecord(got)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, int64(7), o.Quantity)
}

func TestPlaceOrderMovesPastSameMillisecond(t *testing.T) {
	st := memory.NewStore()
	uc := NewPlaceOrderUseCase(st, fixedClock, nil)

	first, err := uc.Execute(context.Background(), PlaceOrderInput{CustomerID: "c-1", Quantity: 1})
	require.NoError(t, err)
	second, err := uc.Execute(context.Background(), PlaceOrderInput{CustomerID: "c-1", Quantity: 2})
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key)
	assert.Equal(t, "TIMESTAMP#1703887841413", second.Key.SK)
}

func TestPlaceOrderRejectsInvalidInput(t *testing.T) {
	uc := NewPlaceOrderUseCase(memory.NewStore(), fixedClock, nil)

	_, err := uc.Execute(context.Background(), PlaceOrderInput{CustomerID: "c-1", Quantity: 0})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = uc.Execute(context.Background(), PlaceOrderInput{CustomerID: " ", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)
}

type brokenStore struct{ store.Repository }

func (brokenStore) Create(context.Context, store.Record) error { return errors.New("table unavailable") }

func TestPlaceOrderWrapsStoreFailure(t *testing.T) {
	uc := NewPlaceOrderUseCase(brokenStore{}, fixedClock, nil)

	_, err := uc.Execute(context.Background(), PlaceOrderInput{CustomerID: "c-1", Quantity: 1})
	assert.ErrorIs(t, err, ErrRepository)
}
