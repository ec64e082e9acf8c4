package executor

import (
	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// Single schedules exactly one task with the resolved stage input.
type Single struct{}

func (Single) Name() string { return string(domain.ModeSingle) }

func (Single) Validate(stage *domain.StageDefinition) error {
	return requireActor(stage)
}

func (Single) Execute(ctx domain.Context, ec *Context) (Result, error) {
	actor, err := resolveActor(ec, ec.Pipeline)
	if err != nil {
		return Result{}, err
	}
	input := ec.Eval.ResolveInputs(ec.Stage.Input, ec.Pipeline)
	if err := ec.Schedule(ctx, TaskRequest{ActorType: actor, TaskIndex: 0, Input: input}); err != nil {
		return Result{}, err
	}
	return Result{ExpectedTasks: 1}, nil
}
