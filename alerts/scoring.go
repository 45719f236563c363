package alerts

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

// ExprScorer evaluates a threat rule written in expr against the
// tracker.ThreatInput of a vulnerability.
type ExprScorer struct {
	Rule    string
	program *vm.Program
}

var _ tracker.ThreatScorer = (*ExprScorer)(nil)

// NewExprScorer compiles rule. The rule must evaluate to a number.
func NewExprScorer(rule string) (*ExprScorer, error) {
	opts := []expr.Option{
		expr.Env(tracker.ThreatInput{}),
		expr.Function(
			"clamp",
			exprClamp,
			new(func(float64, float64, float64) float64),
		),
		expr.AsFloat64(),
	}

	program, err := expr.Compile(rule, opts...)
	if err != nil {
		return nil, fmt.Errorf("error compiling threat rule: %w", err)
	}
	return &ExprScorer{Rule: rule, program: program}, nil
}

func (s *ExprScorer) Threat(in tracker.ThreatInput) (float64, error) {
	result, err := expr.Run(s.program, in)
	if err != nil {
		return 0, fmt.Errorf("could not evaluate threat rule: %w", err)
	}
	threat, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("threat rule returned %T", result)
	}
	if math.IsNaN(threat) || math.IsInf(threat, 0) {
		return 0, fmt.Errorf("threat rule returned %v", threat)
	}
	return math.Round(threat*10) / 10, nil
}

// exprClamp limits the first argument to the range given by the other two.
func exprClamp(params ...any) (any, error) {
	values := make([]float64, len(params))
	for i, param := range params {
		switch v := param.(type) {
		case float64:
			values[i] = v
		case int:
			values[i] = float64(v)
		default:
			return nil, fmt.Errorf("clamp: unsupported argument %T", param)
		}
	}
	value, lower, upper := values[0], values[1], values[2]
	if lower > upper {
		return nil, fmt.Errorf("clamp: lower bound %v above upper bound %v", lower, upper)
	}
	return math.Min(math.Max(value, lower), upper), nil
}
