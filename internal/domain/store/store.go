// Package store defines the key-value table shared by inventory and order records.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrConflict        = errors.New("store: record already exists")
	ErrConditionFailed = errors.New("store: condition failed")
	ErrInvalidRecord   = errors.New("store: record must carry pk and sk")
)

const (
	AttrPK = "pk"
	AttrSK = "sk"
)

// Key is the composite (partition, sort) key of a record.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k Key) String() string { return k.PK + "|" + k.SK }

func (k Key) Valid() bool { return k.PK != "" && k.SK != "" }

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	pk, sk, ok := strings.Cut(s, "|")
	k := Key{PK: pk, SK: sk}
	if !ok || !k.Valid() {
		return Key{}, fmt.Errorf("%w: key %q", ErrInvalidRecord, s)
	}
	return k, nil
}

// Op is a numeric comparison applied by a Condition.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpEQ Op = "="
	OpNE Op = "!="
	OpGE Op = ">="
	OpGT Op = ">"
)

// Compare reports whether "a op b" holds.
func (o Op) Compare(a, b float64) (bool, error) {
	switch o {
	case OpLT:
		return a < b, nil
	case OpLE:
		return a <= b, nil
	case OpEQ:
		return a == b, nil
	case OpNE:
		return a != b, nil
	case OpGE:
		return a >= b, nil
	case OpGT:
		return a > b, nil
	default:
		return false, fmt.Errorf("store: unsupported operator %q", string(o))
	}
}

// Condition guards a conditional write: the current numeric value of Field must satisfy Op against Value.
type Condition struct {
	Field string
	Op    Op
	Value int64
}

// Holds evaluates the condition against the current record. An absent or non-numeric field fails.
func (c Condition) Holds(r Record) (bool, error) {
	if c.Field == "" {
		return true, nil
	}
	cur, ok := r.Number(c.Field)
	if !ok {
		return false, nil
	}
	return c.Op.Compare(cur, float64(c.Value))
}

// Update adds Delta to the numeric Field when Condition holds.
type Update struct {
	Field     string
	Delta     int64
	Condition Condition
}

// Decrement builds the "field -= n when field >= n" update used to reserve stock.
func Decrement(field string, n int64) Update {
	return Update{
		Field:     field,
		Delta:     -n,
		Condition: Condition{Field: field, Op: OpGE, Value: n},
	}
}

// Repository is the store port consumed by the workflow and the HTTP adapter.
type Repository interface {
	Get(ctx context.Context, key Key) (Record, error)
	Put(ctx context.Context, rec Record) error
	Create(ctx context.Context, rec Record) error
	ConditionalUpdate(ctx context.Context, key Key, u Update) (Record, error)
}
