package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyRoundTrip(t *testing.T) {
	k := Key{PK: "INVENTORY#MACGUFFIN", SK: "MODEL#LX"}
	got, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, got)

	for _, bad := range []string{"", "nopipe", "|sk", "pk|"} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrInvalidRecord, bad)
	}
}

func TestDecrementCondition(t *testing.T) {
	u := Decrement("quantity", 3)
	assert.Equal(t, int64(-3), u.Delta)

	ok, err := u.Condition.Holds(Record{"quantity": int64(3)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = u.Condition.Holds(Record{"quantity": 2.0})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = u.Condition.Holds(Record{"quantity": "10"})
	require.NoError(t, err)
	assert.False(t, ok, "numeric strings are not coerced")

	ok, err = u.Condition.Holds(Record{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpCompareUnknown(t *testing.T) {
	_, err := Op("~").Compare(1, 1)
	assert.Error(t, err)
}

func TestRecordNumberKinds(t *testing.T) {
	r := Record{
		"i":   7,
		"f":   2.5,
		"num": json.Number("12"),
		"s":   "x",
	}
	n, ok := r.Number("i")
	assert.True(t, ok)
	assert.Equal(t, 7.0, n)

	i, ok := r.Int("f")
	assert.True(t, ok)
	assert.Equal(t, int64(2), i)

	n, ok = r.Number("num")
	assert.True(t, ok)
	assert.Equal(t, 12.0, n)

	_, ok = r.Number("s")
	assert.False(t, ok)
}

func TestRecordCloneIsDeep(t *testing.T) {
	orig := Record{
		AttrPK: "p",
		AttrSK: "s",
		"tags": []any{"a"},
		"meta": map[string]any{"k": "v"},
	}
	c := orig.Clone()
	c["meta"].(map[string]any)["k"] = "changed"
	c["tags"].([]any)[0] = "b"

	assert.Equal(t, "v", orig["meta"].(map[string]any)["k"])
	assert.Equal(t, "a", orig["tags"].([]any)[0])
	assert.Equal(t, Key{PK: "p", SK: "s"}, c.Key())
	assert.Nil(t, Record(nil).Clone())
}
