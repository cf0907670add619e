package strategy

import "context"

// Engine evaluates adaptive-strategy rule expressions against a runtime
// environment. Two implementations: Expr (default) and CEL.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
}
