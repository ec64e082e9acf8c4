package executor

import (
	"fmt"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// ForkJoin schedules one task per branch in executorConfig.branches, each
// with its own input (or the stage's), indexed by branch list order.
type ForkJoin struct{}

func (ForkJoin) Name() string { return string(domain.ModeForkJoin) }

func (ForkJoin) Validate(stage *domain.StageDefinition) error {
	branches := forkBranches(stage)
	if len(branches) == 0 {
		return fmt.Errorf("%w: stage %q requires executorConfig.branches", domain.ErrConfiguration, stage.Name)
	}
	for i, br := range branches {
		if br.actor == "" {
			return fmt.Errorf("%w: stage %q branch %d has no actor", domain.ErrConfiguration, stage.Name, i)
		}
	}
	return nil
}

func (ForkJoin) Execute(ctx domain.Context, ec *Context) (Result, error) {
	branches := forkBranches(ec.Stage)
	for i, br := range branches {
		inputSpec := br.input
		if inputSpec == nil {
			inputSpec = ec.Stage.Input
		}
		input := ec.Eval.ResolveInputs(inputSpec, ec.Pipeline)
		meta := map[string]any{}
		if br.name != "" {
			meta["branch"] = br.name
		}
		req := TaskRequest{ActorType: br.actor, TaskIndex: i, Input: input, Metadata: meta}
		if err := ec.Schedule(ctx, req); err != nil {
			return Result{}, err
		}
	}
	return Result{ExpectedTasks: len(branches)}, nil
}

type forkBranch struct {
	name  string
	actor string
	input map[string]any
}

func forkBranches(stage *domain.StageDefinition) []forkBranch {
	raw, ok := stage.ExecutorConfig["branches"].([]any)
	if !ok {
		return nil
	}
	out := make([]forkBranch, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		br := forkBranch{}
		br.name, _ = m["name"].(string)
		br.actor, _ = m["actor"].(string)
		br.input, _ = m["input"].(map[string]any)
		out = append(out, br)
	}
	return out
}
