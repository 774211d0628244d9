package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/convergehq/converge/pkg/model"
)

var celEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("risk_level", cel.StringType),
		cel.Variable("entropy_delta", cel.DoubleType),
		cel.Variable("containment_score", cel.DoubleType),
		cel.Variable("checks_passed", cel.ListType(cel.StringType)),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: cel environment: %v", err))
	}
	celEnv = env
}

// evaluateCustomGates runs operator-defined CEL gates. A gate that fails
// to compile or evaluate is reported as failed rather than skipped: a
// broken gate must never silently allow.
func evaluateCustomGates(gates []CustomGate, vars map[string]any) []model.GateResult {
	if len(gates) == 0 {
		return nil
	}
	out := make([]model.GateResult, 0, len(gates))
	for _, g := range gates {
		result := model.GateResult{Gate: model.GateName(g.Name)}
		ok, err := evalCEL(g.Expression, vars)
		switch {
		case err != nil:
			result.Passed = false
			result.Reason = fmt.Sprintf("Gate expression error: %v", err)
		case ok:
			result.Passed = true
			result.Reason = "Custom gate passed"
		default:
			result.Passed = false
			result.Reason = g.Reason
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("Custom gate %q failed", g.Name)
			}
		}
		out = append(out, result)
	}
	return out
}

func evalCEL(expr string, vars map[string]any) (bool, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, issues.Err()
	}
	prog, err := celEnv.Program(ast)
	if err != nil {
		return false, err
	}
	val, _, err := prog.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to bool")
	}
	return b, nil
}
