package routing

import (
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
)

// Predicate is one node of the match tree, evaluated against an envelope document (see Document).
// A node whose field is absent or of the wrong kind does not match; evaluation never fails.
type Predicate interface {
	Match(doc map[string]any) bool
	String() string
}

// Lookup walks a dotted path through nested maps.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case store.Record:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// Equals matches when the field equals Value. Numbers compare by value regardless of kind.
type Equals struct {
	Path  string
	Value any
}

func (p Equals) Match(doc map[string]any) bool {
	v, ok := Lookup(doc, p.Path)
	if !ok {
		return false
	}
	if want, ok := store.ToNumber(p.Value); ok {
		got, ok := store.ToNumber(v)
		return ok && got == want
	}
	return v == p.Value
}

func (p Equals) String() string { return fmt.Sprintf("%s == %v", p.Path, p.Value) }

// Prefix matches string fields starting with Prefix.
type Prefix struct {
	Path   string
	Prefix string
}

func (p Prefix) Match(doc map[string]any) bool {
	v, ok := Lookup(doc, p.Path)
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, p.Prefix)
}

func (p Prefix) String() string { return fmt.Sprintf("%s starts_with %q", p.Path, p.Prefix) }

// Numeric matches numeric fields satisfying "field Op Value".
type Numeric struct {
	Path  string
	Op    store.Op
	Value float64
}

func (p Numeric) Match(doc map[string]any) bool {
	v, ok := Lookup(doc, p.Path)
	if !ok {
		return false
	}
	n, ok := store.ToNumber(v)
	if !ok {
		return false
	}
	res, err := p.Op.Compare(n, p.Value)
	return err == nil && res
}

func (p Numeric) String() string { return fmt.Sprintf("%s %s %v", p.Path, p.Op, p.Value) }

type Exists struct{ Path string }

func (p Exists) Match(doc map[string]any) bool {
	_, ok := Lookup(doc, p.Path)
	return ok
}

func (p Exists) String() string { return "exists(" + p.Path + ")" }

// All matches when every child matches; an empty All matches everything.
type All []Predicate

func (p All) Match(doc map[string]any) bool {
	for _, c := range p {
		if !c.Match(doc) {
			return false
		}
	}
	return true
}

func (p All) String() string { return join(p, " AND ") }

// Any matches when at least one child matches; an empty Any matches nothing.
type Any []Predicate

func (p Any) Match(doc map[string]any) bool {
	for _, c := range p {
		if c.Match(doc) {
			return true
		}
	}
	return false
}

func (p Any) String() string { return join(p, " OR ") }

type Not struct{ P Predicate }

func (p Not) Match(doc map[string]any) bool { return !p.P.Match(doc) }

func (p Not) String() string { return "NOT " + p.P.String() }

func join(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, c := range ps {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
