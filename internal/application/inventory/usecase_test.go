package inventory

import (
	"context"
	"testing"

	dominv "github.com/Zhima-Mochi/macguffin-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()

	wrote, err := Seed(ctx, st, dominv.Seed(1000000), nil)
	require.NoError(t, err)
	assert.True(t, wrote)

	_, err = st.ConditionalUpdate(ctx, dominv.Key(dominv.DefaultItem, dominv.DefaultModel), store.Decrement(dominv.AttrQuantity, 7))
	require.NoError(t, err)

	wrote, err = Seed(ctx, st, dominv.Seed(1000000), nil)
	require.NoError(t, err)
	assert.False(t, wrote)

	rec, err := NewGetItemUseCase(st, dominv.Key(dominv.DefaultItem, dominv.DefaultModel), nil).Execute(ctx, struct{}{})
	require.NoError(t, err)
	qty, _ := rec.Int(dominv.AttrQuantity)
	assert.Equal(t, int64(999993), qty)
	assert.Equal(t, "INVENTORY#MACGUFFIN", rec.Key().PK)
}

func TestGetItemNotFound(t *testing.T) {
	uc := NewGetItemUseCase(memory.NewStore(), dominv.Key("MACGUFFIN", "LX"), nil)

	_, err := uc.Execute(context.Background(), struct{}{})
	assert.ErrorIs(t, err, ErrNotFound)
}
