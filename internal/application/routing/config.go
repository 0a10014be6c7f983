package routing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a routing rules file.
type File struct {
	Rules []RuleSpec `yaml:"rules"`
}

type RuleSpec struct {
	Name       string         `yaml:"name"`
	Source     string         `yaml:"source"`
	DetailType string         `yaml:"detailType"`
	Target     string         `yaml:"target"`
	Match      *PredicateSpec `yaml:"match"`
}

// PredicateSpec is one tree node; exactly one field is set.
type PredicateSpec struct {
	All     []PredicateSpec `yaml:"all"`
	Any     []PredicateSpec `yaml:"any"`
	Not     *PredicateSpec  `yaml:"not"`
	Equals  *FieldMatch     `yaml:"equals"`
	Prefix  *FieldMatch     `yaml:"prefix"`
	Numeric *NumericMatch   `yaml:"numeric"`
	Exists  string          `yaml:"exists"`
	CEL     string          `yaml:"cel"`
}

type FieldMatch struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
}

type NumericMatch struct {
	Path  string  `yaml:"path"`
	Op    string  `yaml:"op"`
	Value float64 `yaml:"value"`
}

const rulesSchemaURL = "routing-rules.schema.json"

const rulesSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rules"],
  "additionalProperties": false,
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "target"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "source": {"type": "string"},
          "detailType": {"type": "string"},
          "target": {"type": "string", "minLength": 1},
          "match": {"$ref": "#/$defs/predicate"}
        }
      }
    }
  },
  "$defs": {
    "field": {
      "type": "object",
      "required": ["path", "value"],
      "additionalProperties": false,
      "properties": {"path": {"type": "string", "minLength": 1}, "value": {}}
    },
    "predicate": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "additionalProperties": false,
      "properties": {
        "all": {"type": "array", "items": {"$ref": "#/$defs/predicate"}},
        "any": {"type": "array", "items": {"$ref": "#/$defs/predicate"}},
        "not": {"$ref": "#/$defs/predicate"},
        "equals": {"$ref": "#/$defs/field"},
        "prefix": {
          "allOf": [{"$ref": "#/$defs/field"}],
          "properties": {"value": {"type": "string"}}
        },
        "numeric": {
          "type": "object",
          "required": ["path", "op", "value"],
          "additionalProperties": false,
          "properties": {
            "path": {"type": "string", "minLength": 1},
            "op": {"enum": ["<", "<=", "=", "!=", ">=", ">"]},
            "value": {"type": "number"}
          }
        },
        "exists": {"type": "string", "minLength": 1},
        "cel": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var compiledRulesSchema = jsonschema.MustCompileString(rulesSchemaURL, rulesSchema)

// LoadRules reads, validates and compiles a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read rules: %w", err)
	}
	return ParseRules(b)
}

func ParseRules(b []byte) ([]Rule, error) {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("routing: parse rules: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON kinds only.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("routing: normalize rules: %w", err)
	}
	var doc any
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, fmt.Errorf("routing: normalize rules: %w", err)
	}
	if err := compiledRulesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("routing: decode rules: %w", err)
	}
	rules := make([]Rule, 0, len(f.Rules))
	for _, rs := range f.Rules {
		r := Rule{Name: rs.Name, Source: rs.Source, DetailType: rs.DetailType, Target: rs.Target}
		if rs.Match != nil {
			p, err := rs.Match.Compile()
			if err != nil {
				return nil, fmt.Errorf("routing: rule %s: %w", rs.Name, err)
			}
			r.Predicate = p
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (s PredicateSpec) Compile() (Predicate, error) {
	switch {
	case s.All != nil:
		return compileChildren(s.All, func(ps []Predicate) Predicate { return All(ps) })
	case s.Any != nil:
		return compileChildren(s.Any, func(ps []Predicate) Predicate { return Any(ps) })
	case s.Not != nil:
		p, err := s.Not.Compile()
		if err != nil {
			return nil, err
		}
		return Not{P: p}, nil
	case s.Equals != nil:
		return Equals{Path: s.Equals.Path, Value: s.Equals.Value}, nil
	case s.Prefix != nil:
		prefix, ok := s.Prefix.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: prefix value must be a string", ErrInvalidRule)
		}
		return Prefix{Path: s.Prefix.Path, Prefix: prefix}, nil
	case s.Numeric != nil:
		op := store.Op(s.Numeric.Op)
		if _, err := op.Compare(0, 0); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		return Numeric{Path: s.Numeric.Path, Op: op, Value: s.Numeric.Value}, nil
	case s.Exists != "":
		return Exists{Path: s.Exists}, nil
	case s.CEL != "":
		return NewCEL(s.CEL)
	default:
		return nil, fmt.Errorf("%w: empty predicate", ErrInvalidRule)
	}
}

func compileChildren(specs []PredicateSpec, wrap func([]Predicate) Predicate) (Predicate, error) {
	ps := make([]Predicate, 0, len(specs))
	for _, c := range specs {
		p, err := c.Compile()
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return wrap(ps), nil
}
