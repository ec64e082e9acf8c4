// Package expr evaluates path, boolean, and ternary expressions against the
// pipeline context. Evaluation failures never abort dispatch: boolean
// expressions coerce to false and path queries to nil, with a diagnostic.
package expr

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// PathMarker prefixes path expressions in stage inputs.
const PathMarker = "$."

// Evaluator wraps a gval language with JSONPath support and the pipeline
// pseudo-functions. It is stateless and safe for concurrent use.
type Evaluator struct {
	base gval.Language
}

// New constructs an Evaluator.
func New() *Evaluator {
	return &Evaluator{base: gval.Full(jsonpath.Language())}
}

// language binds the pseudo-functions to one evaluation root. getStage and
// hasStage close over the root's stages map.
func (e *Evaluator) language(root map[string]any) gval.Language {
	stages := func() map[string]any {
		if m, ok := root["stages"].(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}
	return gval.NewLanguage(
		e.base,
		gval.Function("getStage", func(name string, idx float64) (any, error) {
			outs, ok := stages()[name].([]any)
			i := int(idx)
			if !ok || i < 0 || i >= len(outs) {
				return nil, nil
			}
			return outs[i], nil
		}),
		gval.Function("hasStage", func(name string) (any, error) {
			outs, ok := stages()[name].([]any)
			return ok && len(outs) > 0, nil
		}),
		gval.Function("coalesce", func(args ...any) (any, error) {
			for _, a := range args {
				if a != nil {
					return a, nil
				}
			}
			return nil, nil
		}),
		gval.Function("nvl", func(x, def any) (any, error) {
			if x == nil {
				return def, nil
			}
			return x, nil
		}),
	)
}

// Query evaluates a path or general expression and returns the value, or an
// error wrapping ErrExpression.
func (e *Evaluator) Query(expression string, root map[string]any) (any, error) {
	v, err := e.language(root).Evaluate(expression, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrExpression, expression, err)
	}
	return v, nil
}

// Condition evaluates a boolean expression. Failures and non-boolean results
// coerce to false with a warning.
func (e *Evaluator) Condition(expression string, root map[string]any) bool {
	v, err := e.Query(expression, root)
	if err != nil {
		slog.Warn("condition evaluation failed", slog.String("expression", expression), slog.Any("error", err))
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case nil:
		return false
	default:
		slog.Warn("condition is not boolean", slog.String("expression", expression))
		return false
	}
}

// ActorName resolves an actor-type expression: a bare string passes through,
// a ternary evaluates to a string. A nil or non-string result is an error so
// the caller can fail the stage with a configuration error.
func (e *Evaluator) ActorName(expression string, root map[string]any) (string, error) {
	if !looksLikeExpression(expression) {
		return expression, nil
	}
	v, err := e.Query(expression, root)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: actor expression %q resolved to %T", domain.ErrExpression, expression, v)
	}
	return s, nil
}

// ResolveActor resolves a strategy actor reference against the context.
func (e *Evaluator) ResolveActor(ref *domain.ActorRef, root map[string]any) (string, error) {
	if ref.IsZero() {
		return "", fmt.Errorf("%w: stage has no actor", domain.ErrConfiguration)
	}
	switch {
	case ref.Literal != "":
		return e.ActorName(ref.Literal, root)
	case ref.Ternary != "":
		return e.ActorName(ref.Ternary, root)
	default:
		for _, wc := range ref.When {
			if e.Condition(wc.Condition, root) {
				return wc.Actor, nil
			}
		}
		if ref.Default != "" {
			return ref.Default, nil
		}
		return "", fmt.Errorf("%w: no actor condition matched and no default", domain.ErrConfiguration)
	}
}

// ResolveInputs resolves a stage input map against the context. String
// values starting with the path marker are evaluated; other strings that
// look like expressions are evaluated and used when non-nil; everything else
// is copied verbatim. Evaluation failures yield nil with a diagnostic.
func (e *Evaluator) ResolveInputs(inputs map[string]any, root map[string]any) map[string]any {
	if len(inputs) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if strings.HasPrefix(s, PathMarker) {
			rv, err := e.Query(s, root)
			if err != nil {
				slog.Warn("input path failed", slog.String("key", k), slog.Any("error", err))
				out[k] = nil
				continue
			}
			out[k] = rv
			continue
		}
		if looksLikeExpression(s) {
			if rv, err := e.Query(s, root); err == nil && rv != nil {
				out[k] = rv
				continue
			}
		}
		out[k] = s
	}
	return out
}

// looksLikeExpression is a cheap filter so plain literals never hit the
// parser. Anything referencing the context via the path marker qualifies.
func looksLikeExpression(s string) bool {
	return strings.Contains(s, PathMarker)
}

// Scoped copies the root context and adds one scope variable, used for
// scatter iteration and gather grouping.
func Scoped(root map[string]any, name string, value any) map[string]any {
	scoped := make(map[string]any, len(root)+1)
	for k, v := range root {
		scoped[k] = v
	}
	scoped[name] = value
	return scoped
}
