package enrichment

import (
	"testing"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func img(pk, sk string, qty int64) store.Record {
	return store.Record{"pk": pk, "sk": sk, "quantity": qty}
}

func TestEnrichClassifiesByImages(t *testing.T) {
	tests := []struct {
		name string
		rec  change.Record
		want change.EventType
	}{
		{"insert", change.Record{EventName: "INSERT", NewImage: img("CUSTOMER#349", "TIMESTAMP#1", 7)}, change.TypeInsert},
		{"remove", change.Record{EventName: "REMOVE", OldImage: img("CUSTOMER#349", "TIMESTAMP#1", 7)}, change.TypeRemove},
		{"update", change.Record{EventName: "MODIFY", OldImage: img("INVENTORY#MACGUFFIN", "MODEL#LX", 150), NewImage: img("INVENTORY#MACGUFFIN", "MODEL#LX", 95)}, change.TypeUpdate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Enrich(tc.rec, "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Data.EventType)
			assert.Equal(t, DefaultProducer, ev.Meta.Producer)
		})
	}
}

func TestEnrichSkipsRecordsWithoutImages(t *testing.T) {
	_, err := Enrich(change.Record{EventName: "INSERT"}, "")
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestEnrichTreatsEmptyImagesAsAbsent(t *testing.T) {
	_, err := Enrich(change.Record{EventName: "INSERT", NewImage: store.Record{}}, "")
	assert.ErrorIs(t, err, ErrMalformedRecord)

	ev, err := Enrich(change.Record{
		EventName: "REMOVE",
		NewImage:  store.Record{},
		OldImage:  img("INVENTORY#A", "MODEL#LX", 3),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, change.TypeRemove, ev.Data.EventType)
	assert.Equal(t, "INVENTORY#A", ev.Data.PK)
	assert.Nil(t, ev.Data.NewImage)
}

func TestEnrichPrefersNewImageKeys(t *testing.T) {
	ev, err := Enrich(change.Record{
		OldImage: img("OLD#1", "OLDSK", 1),
		NewImage: img("NEW#1", "NEWSK", 2),
	}, "producer-x")
	require.NoError(t, err)
	assert.Equal(t, "NEW#1", ev.Data.PK)
	assert.Equal(t, "NEWSK", ev.Data.SK)
	assert.Equal(t, "producer-x", ev.Meta.Producer)

	removed, err := Enrich(change.Record{OldImage: img("OLD#1", "OLDSK", 1)}, "")
	require.NoError(t, err)
	assert.Equal(t, "OLD#1", removed.Data.PK)
}

func TestEnrichDefaultsEventName(t *testing.T) {
	ev, err := Enrich(change.Record{NewImage: img("CUSTOMER#1", "TIMESTAMP#1", 1)}, "")
	require.NoError(t, err)
	assert.Equal(t, change.NameUnknown, ev.Data.EventName)
}

func TestEnrichUpdateCarriesColumnDiff(t *testing.T) {
	ev, err := Enrich(change.Record{
		OldImage: store.Record{"pk": "INVENTORY#MACGUFFIN", "sk": "MODEL#LX", "quantity": int64(150), "model": "LX"},
		NewImage: store.Record{"pk": "INVENTORY#MACGUFFIN", "sk": "MODEL#LX", "quantity": float64(95), "model": "LX"},
	}, "")
	require.NoError(t, err)
	require.NotNil(t, ev.Data.Changes)
	assert.Equal(t, []string{"quantity"}, ev.Data.Changes.Columns)
	assert.Equal(t, int64(150), ev.Data.Changes.Before["quantity"])
	assert.Equal(t, float64(95), ev.Data.Changes.After["quantity"])
}

func TestDiffTreatsEqualNumbersAcrossKindsAsUnchanged(t *testing.T) {
	d := Diff(store.Record{"q": int64(1), "gone": "x"}, store.Record{"q": float64(1), "added": true})
	assert.Equal(t, []string{"added", "gone"}, d.Columns)
	assert.Equal(t, "x", d.Before["gone"])
	assert.Equal(t, true, d.After["added"])
}

func TestEnrichDoesNotAliasInputImages(t *testing.T) {
	in := change.Record{NewImage: img("CUSTOMER#1", "TIMESTAMP#1", 1)}
	ev, err := Enrich(in, "")
	require.NoError(t, err)
	ev.Data.NewImage["quantity"] = int64(99)
	q, _ := in.NewImage.Int("quantity")
	assert.Equal(t, int64(1), q)
}
