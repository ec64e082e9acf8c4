// Package executor translates stage definitions into sets of actor tasks.
// Each executor announces the expected task count; the orchestrator's
// barrier releases the stage when that many results arrived.
package executor

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
)

// TaskRequest is one task an executor asks the orchestrator to dispatch.
type TaskRequest struct {
	ActorType    string
	TaskIndex    int
	Input        map[string]any
	Metadata     map[string]any
	RetryPolicy  *domain.RetryPolicy
	RetryAttempt int
	Delay        time.Duration
}

// ScheduleFunc dispatches one task, honoring stage throttling.
type ScheduleFunc func(ctx domain.Context, req TaskRequest) error

// Result is what an executor reports back. ExpectedTasks == 0 with
// HasSynchronous set means the stage completed synchronously with the given
// output.
type Result struct {
	ExpectedTasks  int
	Synchronous    any
	HasSynchronous bool
}

// Context carries everything an executor needs for one stage execution.
type Context struct {
	PipelineID string
	Attempt    int
	Stage      *domain.StageDefinition
	// Pipeline is the evaluation context {trigger, stages}.
	Pipeline map[string]any
	Schedule ScheduleFunc
	Eval     *expr.Evaluator
	// OnApprovalOpened is set for human-approval stages so the orchestrator
	// can persist the pending approval id while the executor blocks.
	OnApprovalOpened func(approvalID string)
}

// Executor is the capability set of one stage mode.
type Executor interface {
	Name() string
	Validate(stage *domain.StageDefinition) error
	Execute(ctx domain.Context, ec *Context) (Result, error)
}

// Registry maps stage modes to executors.
type Registry struct {
	byMode map[domain.StageMode]Executor
}

// NewRegistry builds the standard registry. approvals may be nil when
// human-approval stages are not used (tests).
func NewRegistry(approvals ApprovalGate) *Registry {
	r := &Registry{byMode: map[domain.StageMode]Executor{}}
	r.Register(&Single{})
	r.Register(&Scatter{})
	r.Register(&Gather{})
	r.Register(&Broadcast{})
	r.Register(&ForkJoin{})
	r.Register(&MapReduce{})
	r.Register(&HumanApproval{Approvals: approvals})
	return r
}

// Register adds or replaces an executor.
func (r *Registry) Register(e Executor) {
	r.byMode[domain.StageMode(e.Name())] = e
}

// Lookup returns the executor for a mode.
func (r *Registry) Lookup(mode domain.StageMode) (Executor, error) {
	e, ok := r.byMode[mode]
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage mode %q", domain.ErrConfiguration, mode)
	}
	return e, nil
}

// resolveActor resolves the stage's actor reference in the given scope.
func resolveActor(ec *Context, scope map[string]any) (string, error) {
	if ec.Stage.Actor.IsZero() {
		return "", fmt.Errorf("%w: stage %q has no actor", domain.ErrConfiguration, ec.Stage.Name)
	}
	actor, err := ec.Eval.ResolveActor(ec.Stage.Actor, scope)
	if err != nil {
		return "", fmt.Errorf("%w: stage %q: %v", domain.ErrConfiguration, ec.Stage.Name, err)
	}
	return actor, nil
}

// requireActor is the shared validation for actor-bearing modes.
func requireActor(stage *domain.StageDefinition) error {
	if stage.Actor.IsZero() {
		return fmt.Errorf("%w: stage %q requires an actor", domain.ErrConfiguration, stage.Name)
	}
	return nil
}
