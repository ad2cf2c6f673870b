package engine

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/expr-lang/expr"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// Guardrails holds the compiled guardrail set. It can be swapped at runtime
// when the server configuration is reloaded.
type Guardrails struct {
	current atomic.Pointer[[]core.Guardrail]
}

func NewGuardrails(initial []core.Guardrail) *Guardrails {
	g := &Guardrails{}
	g.Update(initial)
	return g
}

// Update replaces the active set. Guardrails must already be compiled.
func (g *Guardrails) Update(guardrails []core.Guardrail) {
	cpy := make([]core.Guardrail, len(guardrails))
	copy(cpy, guardrails)
	g.current.Store(&cpy)
}

func (g *Guardrails) List() []core.Guardrail {
	return *g.current.Load()
}

// Check runs every guardrail that applies to the payload kind and fails with
// PolicyDenied on the first one that does not hold.
func (g *Guardrails) Check(inst *core.Installation, payload core.Payload) error {
	var env map[string]any
	for _, rule := range g.List() {
		if !rule.AppliesTo(payload.Kind()) {
			continue
		}
		if env == nil {
			var err error
			if env, err = guardrailEnv(inst, payload); err != nil {
				return err
			}
		}

		program := rule.CompiledExpr
		if program == nil {
			compiled, err := expr.Compile(rule.Expr, expr.AsBool())
			if err != nil {
				return fmt.Errorf("compiling guardrail '%s': %w", rule.Name, err)
			}
			program = compiled
		}

		out, err := expr.Run(program, env)
		if err != nil {
			// a guardrail that cannot be evaluated must not let the intent through
			return core.NewError(core.KindPolicyDenied, "guardrail '%s' failed to evaluate: %v", rule.Name, err)
		}
		if ok, isBool := out.(bool); !isBool || !ok {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("rejected by guardrail '%s'", rule.Name)
			}
			return core.NewError(core.KindPolicyDenied, "%s", msg)
		}
	}
	return nil
}

func guardrailEnv(inst *core.Installation, payload core.Payload) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for guardrails: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload for guardrails: %w", err)
	}
	return map[string]any{
		"kind":     string(payload.Kind()),
		"category": payload.Category(),
		"payload":  fields,
		"installation": map[string]any{
			"id":      inst.ID,
			"user_id": inst.UserID,
			"scopes":  inst.Scopes,
		},
	}, nil
}
