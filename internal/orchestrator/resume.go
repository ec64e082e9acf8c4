package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/executor"
	"github.com/fairyhunter13/flowpipe/internal/observability"
)

// resumeInFlightPipelines rehydrates every pipeline in the running set and
// restarts its previously active stages. Deterministic job ids make the
// requeues idempotent, so resuming a quiescent state changes nothing.
func (o *Orchestrator) resumeInFlightPipelines(ctx domain.Context) {
	defer close(o.resumed)
	lg := observability.LoggerFromContext(ctx)

	ids, err := o.store.RunningPipelines(ctx)
	if err != nil {
		lg.Error("running pipeline listing failed", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		o.mu.Lock()
		_, known := o.pipelines[id]
		o.mu.Unlock()
		if known {
			continue
		}
		es, err := o.hydrate(ctx, id)
		if err != nil {
			lg.Error("pipeline hydration failed", slog.String("pipeline_id", id), slog.Any("error", err))
			continue
		}
		lg.Info("pipeline resumed", slog.String("pipeline_id", id))
		o.resumePipeline(ctx, es)
	}
}

// hydrate rebuilds the in-memory execution state from durable records.
func (o *Orchestrator) hydrate(ctx domain.Context, pipelineID string) (*execState, error) {
	rec, err := o.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.PipelineRunning {
		return nil, fmt.Errorf("op=orchestrator.hydrate: %w: pipeline %s is %s", domain.ErrNotFound, pipelineID, rec.Status)
	}
	graph, err := buildDAG(&rec.Definition)
	if err != nil {
		return nil, err
	}
	data := domain.NewContextData(rec.TriggerData)
	if snap, err := o.store.LatestContext(ctx, pipelineID); err == nil {
		data = snap.Data
	}
	es := newExecState(pipelineID, &rec.Definition, graph, data)

	stages, err := o.store.ListStages(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	for _, sr := range stages {
		st, ok := es.stages[sr.StageName]
		if !ok {
			continue
		}
		st.status = sr.Status
		if sr.Attempt > 0 {
			st.attempt = sr.Attempt
		}
		st.expected = sr.ExpectedTasks
		st.expectedSet = sr.Status == domain.StageRunning || sr.Status == domain.StageCompleted
		st.completed = sr.CompletedTasks
		st.errMsg = sr.Error
		if sr.StartedAt != nil {
			st.startedAt = *sr.StartedAt
		}
		outputs, err := o.store.StageOutputs(ctx, pipelineID, sr.StageName, st.attempt)
		if err == nil && len(outputs) > 0 {
			st.outputs = outputs
			if sr.Status == domain.StageCompleted {
				data.StageOutputs()[sr.StageName] = outputs
			}
		}
	}
	for _, name := range rec.ActiveStages {
		if _, ok := es.stages[name]; ok {
			es.active[name] = struct{}{}
		}
	}

	o.mu.Lock()
	if existing, ok := o.pipelines[pipelineID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.pipelines[pipelineID] = es
	o.mu.Unlock()
	observability.PipelinesActive.Inc()
	return es, nil
}

// resumePipeline restarts previously active stages and any pending stages
// whose dependencies already completed.
func (o *Orchestrator) resumePipeline(ctx domain.Context, es *execState) {
	es.mu.Lock()
	previouslyActive := es.activeList()
	es.mu.Unlock()

	for _, name := range previouslyActive {
		o.resumeStage(ctx, es, name)
	}

	done := func(n string) bool {
		s, ok := es.stages[n]
		return ok && s.status == domain.StageCompleted
	}
	for _, name := range es.graph.order {
		es.mu.Lock()
		st := es.stages[name]
		_, active := es.active[name]
		ready := !active && st.status == domain.StagePending && es.graph.depsSatisfied(name, done)
		es.mu.Unlock()
		if ready {
			go o.executeStage(ctx, es, name)
		}
	}
}

// resumeStage re-drives one previously active stage. A stage that never left
// pending is re-executed, as is a running stage with no expected count yet,
// since it was interrupted before dispatch finished or mid synchronous wait.
// Any other running stage gets its failed task attempts re-enqueued with the
// retry counter advanced, and its barrier re-checked in case every task
// finished while the orchestrator was down.
func (o *Orchestrator) resumeStage(ctx domain.Context, es *execState, name string) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("pipeline_id", es.pipelineID),
		slog.String("stage", name))

	es.mu.Lock()
	st, ok := es.stages[name]
	if !ok {
		es.mu.Unlock()
		return
	}
	status := st.status
	es.mu.Unlock()

	switch status {
	case domain.StagePending:
		go o.executeStage(ctx, es, name)
	case domain.StageRunning:
		es.mu.Lock()
		rerun := st.expected == 0
		if rerun {
			st.status = domain.StagePending
		}
		es.mu.Unlock()
		if rerun {
			// Deterministic job ids make re-execution safe for any task
			// that was already dispatched.
			lg.Info("interrupted stage re-executed")
			go o.executeStage(ctx, es, name)
			return
		}
		taskMap, err := o.store.TaskStatusMap(ctx, es.pipelineID, name)
		if err != nil {
			lg.Error("task map load failed", slog.Any("error", err))
			return
		}
		for idx, rec := range taskMap {
			if rec.Status != domain.TaskFailed {
				continue
			}
			lg.Info("failed task re-enqueued",
				slog.Int("task_index", idx),
				slog.Int("retry_attempt", rec.RetryAttempt+1))
			if err := o.scheduleTask(ctx, es, st, executor.TaskRequest{
				ActorType:    rec.ActorType,
				TaskIndex:    idx,
				Input:        rec.Input,
				Metadata:     rec.Metadata,
				RetryPolicy:  st.def.EffectiveRetry(),
				RetryAttempt: rec.RetryAttempt + 1,
			}); err != nil {
				lg.Error("resume dispatch failed", slog.Int("task_index", idx), slog.Any("error", err))
			}
		}
		es.mu.Lock()
		barrier := st.completed >= st.expected
		es.mu.Unlock()
		if barrier {
			o.completeStage(ctx, es, name)
		}
	default:
		// Completed and failed stages need no action.
	}
}
