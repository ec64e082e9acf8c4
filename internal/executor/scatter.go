package executor

import (
	"fmt"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
)

// Scatter fans one stage out over the elements of an input expression. Task
// indices are positional over the surviving items.
type Scatter struct{}

func (Scatter) Name() string { return string(domain.ModeScatter) }

func (Scatter) Validate(stage *domain.StageDefinition) error {
	if stage.Scatter == nil || stage.Scatter.Input == "" || stage.Scatter.As == "" {
		return fmt.Errorf("%w: stage %q requires scatter.input and scatter.as", domain.ErrConfiguration, stage.Name)
	}
	return requireActor(stage)
}

func (Scatter) Execute(ctx domain.Context, ec *Context) (Result, error) {
	sc := ec.Stage.Scatter
	items, err := scatterItems(ec, sc)
	if err != nil {
		return Result{}, err
	}

	scheduled := 0
	for _, item := range items {
		scope := expr.Scoped(ec.Pipeline, sc.As, item)
		if sc.Condition != "" && !ec.Eval.Condition(sc.Condition, scope) {
			continue
		}
		actor, err := resolveActor(ec, scope)
		if err != nil {
			return Result{}, err
		}
		input := ec.Eval.ResolveInputs(ec.Stage.Input, scope)
		req := TaskRequest{
			ActorType: actor,
			TaskIndex: scheduled,
			Input:     input,
			Metadata:  map[string]any{sc.As: item},
		}
		if err := ec.Schedule(ctx, req); err != nil {
			return Result{}, err
		}
		scheduled++
	}
	// Zero surviving items: the stage completes immediately with no outputs.
	return Result{ExpectedTasks: scheduled}, nil
}

// scatterItems evaluates the scatter input to a list, flattening one level
// when the expression produced a single nested array.
func scatterItems(ec *Context, sc *domain.ScatterSpec) ([]any, error) {
	v, err := ec.Eval.Query(sc.Input, ec.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("%w: stage %q scatter input: %v", domain.ErrConfiguration, ec.Stage.Name, err)
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: stage %q scatter input is not a list", domain.ErrConfiguration, ec.Stage.Name)
	}
	if len(items) == 1 {
		if inner, ok := items[0].([]any); ok {
			return inner, nil
		}
	}
	return items, nil
}
