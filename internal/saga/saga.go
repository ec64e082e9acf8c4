// Package saga records per-stage compensation entries and replays them in
// reverse completion order when a pipeline fails.
package saga

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
	"github.com/fairyhunter13/flowpipe/internal/observability"
)

const compensationMaxRetry = 3

// Coordinator owns the per-pipeline compensation stack.
type Coordinator struct {
	store     domain.SagaStore
	transport domain.Transport
	eval      *expr.Evaluator
	// pacing spaces compensation dispatches out; rollbacks are sequential.
	pacing time.Duration
}

// New constructs a Coordinator.
func New(store domain.SagaStore, transport domain.Transport, eval *expr.Evaluator, pacing time.Duration) *Coordinator {
	if pacing <= 0 {
		pacing = 100 * time.Millisecond
	}
	return &Coordinator{store: store, transport: transport, eval: eval, pacing: pacing}
}

// RecordCompensation resolves the compensation input against the stage's
// successful output and pushes a frame onto the stack. Called exactly when a
// stage with a compensation clause completes.
func (c *Coordinator) RecordCompensation(ctx domain.Context, pipelineID string, stage *domain.StageDefinition, stageOutput any) error {
	if stage.Compensation == nil {
		return nil
	}
	scope := map[string]any{"output": stageOutput}
	if m, ok := stageOutput.(map[string]any); ok {
		// Path expressions address output fields directly.
		for k, v := range m {
			scope[k] = v
		}
	}
	entry := domain.CompensationEntry{
		PipelineID:  pipelineID,
		StageName:   stage.Name,
		Actor:       stage.Compensation.Actor,
		Input:       c.eval.ResolveInputs(stage.Compensation.Input, scope),
		StageOutput: stageOutput,
		Timestamp:   time.Now().UTC(),
	}
	if err := c.store.PushCompensation(ctx, entry); err != nil {
		return fmt.Errorf("op=saga.RecordCompensation: %w", err)
	}
	return nil
}

// ExecuteCompensations pops and dispatches frames LIFO. Individual dispatch
// failures are logged and never abort the rollback.
func (c *Coordinator) ExecuteCompensations(ctx domain.Context, pipelineID string) {
	lg := observability.LoggerFromContext(ctx)
	for {
		entry, ok, err := c.store.PopCompensation(ctx, pipelineID)
		if err != nil {
			lg.Error("compensation pop failed", slog.String("pipeline_id", pipelineID), slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		if err := c.dispatch(ctx, entry); err != nil {
			lg.Error("compensation dispatch failed",
				slog.String("pipeline_id", pipelineID),
				slog.String("stage", entry.StageName),
				slog.Any("error", err))
		} else {
			observability.CompensationEnqueued()
			lg.Info("compensation enqueued",
				slog.String("pipeline_id", pipelineID),
				slog.String("stage", entry.StageName),
				slog.String("actor", entry.Actor))
		}
		time.Sleep(c.pacing)
	}
}

func (c *Coordinator) dispatch(ctx domain.Context, entry domain.CompensationEntry) error {
	msg := domain.ActorMessage{
		MessageID: ulid.Make().String(),
		From:      entry.PipelineID,
		To:        entry.Actor,
		Type:      domain.MessageTypeExecute,
		Payload: domain.TaskPayload{
			PipelineID: entry.PipelineID,
			StageName:  entry.StageName,
			TaskType:   domain.TaskTypeCompensation,
			Input:      entry.Input,
		},
		Timestamp: time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=saga.dispatch: %w", err)
	}
	job := domain.Job{
		Queue:    domain.ActorQueue(entry.Actor),
		JobID:    domain.CompensationJobID(entry.PipelineID, entry.StageName),
		Type:     domain.MessageTypeExecute,
		Payload:  b,
		MaxRetry: compensationMaxRetry,
	}
	if err := c.transport.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("op=saga.dispatch: %w", err)
	}
	return nil
}

// HasPending reports whether any frames remain.
func (c *Coordinator) HasPending(ctx domain.Context, pipelineID string) (bool, error) {
	return c.store.HasPendingCompensations(ctx, pipelineID)
}

// Clear drops the stack on pipeline success.
func (c *Coordinator) Clear(ctx domain.Context, pipelineID string) error {
	return c.store.ClearCompensations(ctx, pipelineID)
}
