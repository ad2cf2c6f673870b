package validation

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// ValidateGuardrails checks names and kinds and compiles every expression.
func ValidateGuardrails(guardrails []core.Guardrail) ([]core.Guardrail, error) {
	seenNames := make(map[string]struct{})
	var valid []core.Guardrail

	for i, g := range guardrails {
		if g.Name == "" {
			return nil, fmt.Errorf("guardrail #%d missing name", i)
		}
		if _, exists := seenNames[g.Name]; exists {
			return nil, fmt.Errorf("guardrail name '%s' is not unique", g.Name)
		}
		seenNames[g.Name] = struct{}{}

		for _, kind := range g.Kinds {
			if !kind.IsValid() {
				return nil, fmt.Errorf("guardrail '%s' references unknown kind '%s'", g.Name, kind)
			}
		}

		if g.Expr == "" {
			return nil, fmt.Errorf("guardrail '%s' missing expr", g.Name)
		}
		out, err := expr.Compile(g.Expr, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compiling expr for guardrail '%s': %w", g.Name, err)
		}
		g.CompiledExpr = out

		valid = append(valid, g)
	}

	return valid, nil
}
