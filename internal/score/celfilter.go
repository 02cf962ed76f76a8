package score

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program evaluated per candidate during
// selection. When disabled (empty expression), Eval always returns true.
//
// Exposed variables: item_id, engagement, recency, quality, and composite
// (the score under the active weights), so operators can express rules like
// `quality > 0.3 && !item_id.startsWith("test-")` without a code change.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr. An empty expression yields a disabled filter.
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("item_id", cel.StringType),
		cel.Variable("engagement", cel.DoubleType),
		cel.Variable("recency", cel.DoubleType),
		cel.Variable("quality", cel.DoubleType),
		cel.Variable("composite", cel.DoubleType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against a scored candidate. When disabled,
// returns true. Evaluation errors exclude the candidate rather than failing
// the selection run.
func (f Filter) Eval(c Candidate) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"item_id":    c.ItemID,
		"engagement": c.Engagement,
		"recency":    c.Recency,
		"quality":    c.Quality,
		"composite":  c.CompositeScore,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
