package routing

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CEL is a predicate written as a CEL expression over source, detailType, meta and data.
type CEL struct {
	expr string
	prg  cel.Program
}

func NewCEL(expr string) (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("detailType", cel.StringType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("routing: cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("routing: compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("routing: program %q: %w", expr, err)
	}
	return &CEL{expr: expr, prg: prg}, nil
}

// Match treats evaluation errors (e.g. a missing key) and non-bool results as no match.
func (c *CEL) Match(doc map[string]any) bool {
	out, _, err := c.prg.Eval(map[string]any{
		"id":         doc["id"],
		"source":     doc["source"],
		"detailType": doc["detailType"],
		"meta":       doc["meta"],
		"data":       doc["data"],
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (c *CEL) String() string { return "cel(" + c.expr + ")" }
