package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - name: order-fulfillment
    source: macguffin.wims
    detailType: cdcEvent
    target: order.fulfillment
    match:
      all:
        - equals: {path: data.eventType, value: INSERT}
        - prefix: {path: data.pk, value: "CUSTOMER#"}
  - name: inventory-low-stock
    source: macguffin.wims
    target: inventory.low_stock
    match:
      all:
        - equals: {path: data.eventType, value: UPDATE}
        - prefix: {path: data.pk, value: "INVENTORY#"}
        - numeric: {path: data.newImage.quantity, op: "<=", value: 100}
  - name: big-orders
    target: order.big
    match:
      cel: 'data.eventType == "INSERT" && data.newImage.quantity > 1000'
  - name: archive-all
    source: macguffin.wims
    target: event.archive
`

func TestParseRulesCompilesTree(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 4)

	byName := map[string]Rule{}
	for _, r := range rules {
		byName[r.Name] = r
	}
	assert.Nil(t, byName["archive-all"].Predicate)

	insert := envelope(change.TypeInsert, "CUSTOMER#349", store.Record{"quantity": int64(7)})
	assert.True(t, byName["order-fulfillment"].Matches(insert))
	assert.False(t, byName["big-orders"].Matches(insert))

	big := envelope(change.TypeInsert, "CUSTOMER#349", store.Record{"quantity": int64(5000)})
	assert.True(t, byName["big-orders"].Matches(big))

	low := envelope(change.TypeUpdate, "INVENTORY#MACGUFFIN", store.Record{"quantity": int64(95)})
	assert.True(t, byName["inventory-low-stock"].Matches(low))
}

func TestParseRulesRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing target":  "rules:\n  - name: a\n",
		"two predicates":  "rules:\n  - name: a\n    target: t\n    match:\n      exists: data.pk\n      cel: 'true'\n",
		"bad operator":    "rules:\n  - name: a\n    target: t\n    match:\n      numeric: {path: data.x, op: '~', value: 1}\n",
		"unknown field":   "rules:\n  - name: a\n    target: t\n    priority: 3\n",
		"non-string pref": "rules:\n  - name: a\n    target: t\n    match:\n      prefix: {path: data.pk, value: 3}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestParseRulesRejectsBadCEL(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - name: a\n    target: t\n    match:\n      cel: 'data.pk =='\n"))
	assert.Error(t, err)
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, rules, 4)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
