package engine

import (
	"errors"
	"testing"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/validation"
)

func compileGuardrails(guardrails ...core.Guardrail) (*Guardrails, error) {
	valid, err := validation.ValidateGuardrails(guardrails)
	if err != nil {
		return nil, err
	}
	return NewGuardrails(valid), nil
}

func TestGuardrails_Check(t *testing.T) {
	inst := &core.Installation{
		ID:     "inst-1",
		UserID: "user-1",
		Scopes: []string{"projects:publish", "projects:apply"},
	}

	tests := []struct {
		name      string
		guardrail core.Guardrail
		payload   core.Payload
		wantErr   bool
	}{
		{
			name:      "Payload Field Passes",
			guardrail: core.Guardrail{Name: "g", Expr: `payload.commission_bps < 2000`},
			payload:   apply("p1"),
		},
		{
			name:      "Payload Field Fails",
			guardrail: core.Guardrail{Name: "g", Expr: `payload.commission_bps < 1000`},
			payload:   apply("p1"),
			wantErr:   true,
		},
		{
			name: "Other Kind Is Ignored",
			guardrail: core.Guardrail{
				Name:  "g",
				Kinds: []core.ActionKind{core.ActionUpdatePayout},
				Expr:  `false`,
			},
			payload: apply("p1"),
		},
		{
			name:      "Category And Kind",
			guardrail: core.Guardrail{Name: "g", Expr: `kind == "apply_to_project" && category == "devtools"`},
			payload:   apply("p1"),
		},
		{
			name:      "Installation Scopes",
			guardrail: core.Guardrail{Name: "g", Expr: `"payouts:write" in installation.scopes`},
			payload:   apply("p1"),
			wantErr:   true,
		},
		{
			name:      "Runtime Error Denies",
			guardrail: core.Guardrail{Name: "g", Expr: `payload.missing.field == 1`},
			payload:   apply("p1"),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := compileGuardrails(tt.guardrail)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			err = g.Check(inst, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrPolicyDenied) {
				t.Errorf("expected policy_denied, got %v", err)
			}
		})
	}
}

func TestGuardrails_Update(t *testing.T) {
	g, err := compileGuardrails()
	if err != nil {
		t.Fatal(err)
	}
	inst := &core.Installation{ID: "inst-1"}
	if err := g.Check(inst, publish("p1")); err != nil {
		t.Fatalf("empty set should pass: %v", err)
	}

	deny, err := compileGuardrails(core.Guardrail{Name: "freeze", Expr: `false`, Message: "publishing is frozen"})
	if err != nil {
		t.Fatal(err)
	}
	g.Update(deny.List())

	err = g.Check(inst, publish("p1"))
	if !errors.Is(err, core.ErrPolicyDenied) {
		t.Fatalf("expected policy_denied after update, got %v", err)
	}
	if err.Error() != "policy_denied: publishing is frozen" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
