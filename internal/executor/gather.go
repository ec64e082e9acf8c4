package executor

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
)

// unknownGroup buckets items whose groupBy path does not resolve.
const unknownGroup = "unknown"

// Gather collects the outputs of upstream stages. Without groupBy it
// schedules one task with the combined outputs; with groupBy it schedules
// one task per group, indexed by group insertion order.
type Gather struct{}

func (Gather) Name() string { return string(domain.ModeGather) }

func (Gather) Validate(stage *domain.StageDefinition) error {
	if len(stage.Gather.SourceStages()) == 0 {
		return fmt.Errorf("%w: stage %q requires gather.stage or gather.stages", domain.ErrConfiguration, stage.Name)
	}
	return requireActor(stage)
}

func (g Gather) Execute(ctx domain.Context, ec *Context) (Result, error) {
	spec := ec.Stage.Gather
	sources := spec.SourceStages()
	stageOutputs, _ := ec.Pipeline["stages"].(map[string]any)

	if spec.Combine == domain.CombineObject && spec.GroupBy == "" {
		byStage := map[string]any{}
		for _, src := range sources {
			outs, _ := stageOutputs[src].([]any)
			if outs == nil {
				outs = []any{}
			}
			byStage[src] = outs
		}
		return g.scheduleOne(ctx, ec, byStage)
	}

	combined := []any{}
	for _, src := range sources {
		if outs, ok := stageOutputs[src].([]any); ok {
			combined = append(combined, outs...)
		}
	}

	if spec.GroupBy == "" {
		return g.scheduleOne(ctx, ec, combined)
	}

	// Group by the path's value on each item, preserving insertion order.
	keys := []string{}
	groups := map[string][]any{}
	for _, item := range combined {
		key := unknownGroup
		itemMap, ok := item.(map[string]any)
		if ok {
			if v, err := ec.Eval.Query(spec.GroupBy, itemMap); err == nil && v != nil {
				key = fmt.Sprintf("%v", v)
			} else if err != nil {
				slog.Warn("gather groupBy failed", slog.String("stage", ec.Stage.Name), slog.Any("error", err))
			}
		}
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], item)
	}

	for i, key := range keys {
		group := map[string]any{"key": key, "items": groups[key]}
		scope := expr.Scoped(ec.Pipeline, "group", group)
		actor, err := resolveActor(ec, scope)
		if err != nil {
			return Result{}, err
		}
		input := ec.Eval.ResolveInputs(ec.Stage.Input, scope)
		if _, set := input["group"]; !set {
			input["group"] = group
		}
		req := TaskRequest{ActorType: actor, TaskIndex: i, Input: input}
		if err := ec.Schedule(ctx, req); err != nil {
			return Result{}, err
		}
	}
	// Empty upstream with grouping yields zero tasks and an immediately
	// complete stage.
	return Result{ExpectedTasks: len(keys)}, nil
}

// scheduleOne dispatches the single combined-gather task. The combined value
// is in scope as "gathered" and injected into the input when the stage does
// not map it explicitly.
func (Gather) scheduleOne(ctx domain.Context, ec *Context, combined any) (Result, error) {
	scope := expr.Scoped(ec.Pipeline, "gathered", combined)
	actor, err := resolveActor(ec, scope)
	if err != nil {
		return Result{}, err
	}
	input := ec.Eval.ResolveInputs(ec.Stage.Input, scope)
	if _, set := input["items"]; !set {
		input["items"] = combined
	}
	if err := ec.Schedule(ctx, TaskRequest{ActorType: actor, TaskIndex: 0, Input: input}); err != nil {
		return Result{}, err
	}
	return Result{ExpectedTasks: 1}, nil
}
