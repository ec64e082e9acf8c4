package executor

import (
	"fmt"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// Broadcast schedules the same resolved input to every actor in
// executorConfig.actors, indexed by list order. With waitForAll=false the
// stage completes immediately and late results are tolerated.
type Broadcast struct{}

func (Broadcast) Name() string { return string(domain.ModeBroadcast) }

func (Broadcast) Validate(stage *domain.StageDefinition) error {
	if len(broadcastActors(stage)) == 0 {
		return fmt.Errorf("%w: stage %q requires executorConfig.actors", domain.ErrConfiguration, stage.Name)
	}
	return nil
}

func (Broadcast) Execute(ctx domain.Context, ec *Context) (Result, error) {
	actors := broadcastActors(ec.Stage)
	input := ec.Eval.ResolveInputs(ec.Stage.Input, ec.Pipeline)
	for i, actor := range actors {
		req := TaskRequest{ActorType: actor, TaskIndex: i, Input: input}
		if err := ec.Schedule(ctx, req); err != nil {
			return Result{}, err
		}
	}
	if !broadcastWaitForAll(ec.Stage) {
		return Result{ExpectedTasks: 0}, nil
	}
	return Result{ExpectedTasks: len(actors)}, nil
}

func broadcastActors(stage *domain.StageDefinition) []string {
	raw, ok := stage.ExecutorConfig["actors"].([]any)
	if !ok {
		return nil
	}
	actors := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			actors = append(actors, s)
		}
	}
	return actors
}

func broadcastWaitForAll(stage *domain.StageDefinition) bool {
	if v, ok := stage.ExecutorConfig["waitForAll"].(bool); ok {
		return v
	}
	return true
}
