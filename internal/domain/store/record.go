package store

import (
	"encoding/json"
	"strconv"
)

// Record is one item image. Values are JSON-compatible: string, bool, numbers, nil, []any, map[string]any.
type Record map[string]any

func (r Record) Key() Key {
	pk, _ := r.String(AttrPK)
	sk, _ := r.String(AttrSK)
	return Key{PK: pk, SK: sk}
}

func (r Record) String(field string) (string, bool) {
	v, ok := r[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns the value of a numeric attribute. Numeric strings are not coerced.
func (r Record) Number(field string) (float64, bool) {
	v, ok := r[field]
	if !ok {
		return 0, false
	}
	return ToNumber(v)
}

// Int returns a numeric attribute truncated to int64.
func (r Record) Int(field string) (int64, bool) {
	n, ok := r.Number(field)
	if !ok {
		return 0, false
	}
	return int64(n), true
}

// Clone returns a deep copy so callers never share nested maps with the store.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// ToNumber converts the numeric kinds produced by JSON, YAML and attribute decoders to float64.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
