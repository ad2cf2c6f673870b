package core

import (
	"slices"

	"github.com/expr-lang/expr/vm"
)

// Guardrail is an operator supplied boolean expression every new intent of the
// listed kinds has to satisfy. An empty Kinds list applies it to every kind.
//
// The expression sees:
//
//	kind          the action kind as string
//	category      the payload category
//	payload       the decoded payload as map
//	installation  {id, user_id, scopes}
type Guardrail struct {
	Name    string       `yaml:"name"`
	Kinds   []ActionKind `yaml:"kinds"`
	Expr    string       `yaml:"expr"`
	Message string       `yaml:"message"`

	// CompiledExpr is set during config validation.
	CompiledExpr *vm.Program `yaml:"-"`
}

func (g *Guardrail) AppliesTo(kind ActionKind) bool {
	return len(g.Kinds) == 0 || slices.Contains(g.Kinds, kind)
}
