package expressions

import (
	"context"
	"strings"

	"github.com/rendis/foreman/pkg/schema"
)

// Engine evaluates expressions against failure payloads.
// Three implementations: CEL (predicates), Expr (logic), GoJQ (extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry resolves prefixed predicate strings ("cel:...", "expr:...",
// "jq:...") to their evaluation engine. Classifier rules in a RetryStrategy
// use this form so the rule table stays declarative.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry creates a registry with the given engines, keyed by Name().
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// NewDefaultRegistry creates a registry with CEL, Expr and GoJQ engines.
func NewDefaultRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistry(cel, NewExprEngine(), NewGoJQEngine()), nil
}

// EvalPredicate evaluates a prefixed predicate against the data and reduces
// the result to a boolean. A non-empty jq result counts as a match.
func (r *Registry) EvalPredicate(ctx context.Context, predicate string, data map[string]any) (bool, error) {
	name, expression, ok := strings.Cut(predicate, ":")
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"predicate %q has no engine prefix", predicate)
	}
	engine, found := r.engines[name]
	if !found {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown predicate engine %q", name)
	}

	out, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case []any:
		return len(v) > 0, nil
	case string:
		return v != "", nil
	default:
		return true, nil
	}
}

// Extract runs a jq extraction expression and returns all outputs. Used to
// query arbitrary validation payloads for expected/actual pairs.
func (r *Registry) Extract(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	engine, found := r.engines["jq"]
	if !found {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "jq engine not registered")
	}
	jq, ok := engine.(*GoJQEngine)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "jq engine has unexpected type")
	}
	return jq.EvaluateAll(ctx, expression, data)
}
