package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/executor"
	"github.com/fairyhunter13/flowpipe/internal/observability"
)

// executeStage runs one stage end to end: breaker check, executor dispatch,
// and barrier bookkeeping. Human-approval stages block here until decided,
// so callers run it on its own goroutine.
func (o *Orchestrator) executeStage(ctx domain.Context, es *execState, name string) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("pipeline_id", es.pipelineID),
		slog.String("stage", name))

	if cancelled, err := o.abortIfCancelled(ctx, es); cancelled || err != nil {
		if err != nil {
			lg.Error("cancellation check failed", slog.Any("error", err))
		}
		return
	}

	now := time.Now().UTC()
	es.mu.Lock()
	st, ok := es.stages[name]
	if !ok || st.status != domain.StagePending {
		es.mu.Unlock()
		return
	}
	st.status = domain.StageRunning
	st.startedAt = now
	st.outputs = nil
	st.expected = 0
	st.expectedSet = false
	st.completed = 0
	es.active[name] = struct{}{}
	activeList := es.activeList()
	attempt := st.attempt
	root := map[string]any(es.context)
	es.mu.Unlock()

	ctx, end := observability.StartSpan(ctx, es.pipelineID, name, "executeStage")
	var execErr error
	defer func() { end(execErr) }()

	if st.def.CircuitBreaker != nil {
		actorType, err := o.eval.ResolveActor(st.def.Actor, root)
		if err != nil {
			execErr = err
			o.failStage(ctx, es, name, err)
			return
		}
		o.breakers.Configure(ctx, actorType, *st.def.CircuitBreaker)
		if !o.breakers.ShouldAllow(ctx, actorType) {
			execErr = fmt.Errorf("%w: actor %q", domain.ErrCircuitOpen, actorType)
			lg.Warn("stage dispatch rejected by circuit breaker", slog.String("actor_type", actorType))
			o.failStage(ctx, es, name, execErr)
			return
		}
	}

	if err := o.store.ClearStageOutputs(ctx, es.pipelineID, name, attempt); err != nil {
		lg.Warn("stage output clear failed", slog.Any("error", err))
	}
	running := domain.StageRunning
	if err := o.store.UpdateStageProgress(ctx, es.pipelineID, name, domain.StageProgress{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		lg.Warn("stage progress write failed", slog.Any("error", err))
	}
	cursor := &domain.ResumeCursor{StageName: name, StageNames: activeList}
	if err := o.store.SetPipelineStatus(ctx, es.pipelineID, domain.PipelineRunning, domain.PipelinePatch{
		CurrentStage: &name,
		ActiveStages: &activeList,
		ResumeCursor: cursor,
	}); err != nil {
		lg.Warn("pipeline cursor write failed", slog.Any("error", err))
	}

	exec, err := o.executors.Lookup(st.def.Mode)
	if err != nil {
		execErr = err
		o.failStage(ctx, es, name, err)
		return
	}
	if err := exec.Validate(st.def); err != nil {
		execErr = err
		o.failStage(ctx, es, name, err)
		return
	}

	ec := &executor.Context{
		PipelineID: es.pipelineID,
		Attempt:    attempt,
		Stage:      st.def,
		Pipeline:   root,
		Eval:       o.eval,
		Schedule: func(c domain.Context, req executor.TaskRequest) error {
			return o.scheduleTask(c, es, st, req)
		},
		OnApprovalOpened: func(approvalID string) {
			if err := o.store.UpdateStageProgress(ctx, es.pipelineID, name, domain.StageProgress{
				PendingApprovalID: &approvalID,
			}); err != nil {
				lg.Warn("pending approval write failed", slog.Any("error", err))
			}
		},
	}
	res, err := exec.Execute(ctx, ec)
	if err != nil {
		execErr = err
		o.failStage(ctx, es, name, err)
		return
	}

	es.mu.Lock()
	st.expected = res.ExpectedTasks
	st.expectedSet = true
	barrier := st.completed >= st.expected
	es.mu.Unlock()
	if err := o.store.UpdateStageProgress(ctx, es.pipelineID, name, domain.StageProgress{
		ExpectedTasks: &res.ExpectedTasks,
	}); err != nil {
		lg.Warn("expected tasks write failed", slog.Any("error", err))
	}
	lg.Info("stage dispatched",
		slog.String("mode", string(st.def.Mode)),
		slog.Int("expected_tasks", res.ExpectedTasks))

	if res.HasSynchronous {
		if err := o.store.AppendStageOutput(ctx, es.pipelineID, name, attempt, res.Synchronous); err != nil {
			lg.Warn("synchronous output write failed", slog.Any("error", err))
		}
		o.completeStage(ctx, es, name)
		return
	}
	if barrier {
		// Zero-task stages (empty scatter, fire-and-forget broadcast) and
		// stages whose results all arrived before the executor returned.
		o.completeStage(ctx, es, name)
	}
}

// scheduleTask applies defaults and either dispatches or, when the stage's
// concurrency cap is reached, queues the request FIFO.
func (o *Orchestrator) scheduleTask(ctx domain.Context, es *execState, st *stageState, req executor.TaskRequest) error {
	if cancelled, err := o.abortIfCancelled(ctx, es); err != nil {
		return err
	} else if cancelled {
		return fmt.Errorf("op=orchestrator.scheduleTask: %w: %s", domain.ErrCancelled, es.pipelineID)
	}
	if req.RetryPolicy == nil {
		req.RetryPolicy = st.def.EffectiveRetry()
	}
	if req.RetryAttempt <= 0 {
		req.RetryAttempt = 1
	}
	if req.Delay <= 0 && st.def.Config != nil && st.def.Config.InitialDelayMs > 0 {
		req.Delay = time.Duration(st.def.Config.InitialDelayMs) * time.Millisecond
	}

	es.mu.Lock()
	conc := 0
	if st.def.Config != nil {
		conc = st.def.Config.Concurrency
	}
	if conc > 0 && st.activeTasks >= conc {
		st.pending = append(st.pending, req)
		es.mu.Unlock()
		return nil
	}
	st.activeTasks++
	es.mu.Unlock()

	if err := o.dispatch(ctx, es, st, req); err != nil {
		es.mu.Lock()
		st.activeTasks--
		es.mu.Unlock()
		return err
	}
	return nil
}

// dispatch creates the lease, enqueues the actor job under its deterministic
// id, and write-ahead records the attempt as queued.
func (o *Orchestrator) dispatch(ctx domain.Context, es *execState, st *stageState, req executor.TaskRequest) error {
	es.mu.Lock()
	attempt := st.attempt
	stageName := st.def.Name
	es.mu.Unlock()

	leaseTTL := o.leaseTTL
	if st.def.Config != nil && st.def.Config.LeaseTTLMs > 0 {
		leaseTTL = time.Duration(st.def.Config.LeaseTTLMs) * time.Millisecond
	}
	now := time.Now().UTC()
	leaseID := uuid.NewString()
	lease := domain.TaskLeaseRecord{
		PipelineID: es.pipelineID,
		StageName:  stageName,
		TaskIndex:  req.TaskIndex,
		LeaseID:    leaseID,
		Owner:      o.owner,
		TTLMs:      leaseTTL.Milliseconds(),
		ExpiresAt:  now.Add(leaseTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.EnsureTaskLease(ctx, lease); err != nil {
		return fmt.Errorf("op=orchestrator.dispatch: %w", err)
	}

	msg := domain.ActorMessage{
		MessageID: ulid.Make().String(),
		From:      es.pipelineID,
		To:        req.ActorType,
		Type:      domain.MessageTypeExecute,
		Payload: domain.TaskPayload{
			PipelineID:   es.pipelineID,
			StageName:    stageName,
			TaskIndex:    req.TaskIndex,
			Input:        req.Input,
			Metadata:     req.Metadata,
			Attempt:      attempt,
			RetryAttempt: req.RetryAttempt,
			RetryPolicy:  req.RetryPolicy,
			LeaseID:      leaseID,
			LeaseTTLMs:   leaseTTL.Milliseconds(),
		},
		Timestamp: now,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=orchestrator.dispatch: %w", err)
	}
	job := domain.Job{
		Queue:   domain.ActorQueue(req.ActorType),
		JobID:   domain.TaskJobID(es.pipelineID, stageName, attempt, req.TaskIndex, req.RetryAttempt),
		Type:    domain.MessageTypeExecute,
		Payload: payload,
		Delay:   req.Delay,
	}
	if err := o.transport.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("op=orchestrator.dispatch: %w", err)
	}

	availableAt := now.Add(req.Delay)
	if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   es.pipelineID,
		StageName:    stageName,
		TaskIndex:    req.TaskIndex,
		Attempt:      attempt,
		RetryAttempt: req.RetryAttempt,
		Status:       domain.TaskQueued,
		QueueName:    job.Queue,
		ActorType:    req.ActorType,
		MessageID:    msg.MessageID,
		Input:        req.Input,
		Metadata:     req.Metadata,
		QueuedAt:     now,
		AvailableAt:  &availableAt,
		LeaseID:      leaseID,
		RecordedAt:   now,
	}); err != nil {
		return fmt.Errorf("op=orchestrator.dispatch: %w", err)
	}

	observability.TaskDispatched(req.ActorType)
	if req.RetryAttempt > 1 {
		observability.TaskRetried(req.ActorType)
	}
	return nil
}

// drainPending dispatches throttled requests until the FIFO empties or the
// concurrency cap is hit again.
func (o *Orchestrator) drainPending(ctx domain.Context, es *execState, st *stageState) {
	for {
		es.mu.Lock()
		conc := 0
		if st.def.Config != nil {
			conc = st.def.Config.Concurrency
		}
		if len(st.pending) == 0 || (conc > 0 && st.activeTasks >= conc) {
			es.mu.Unlock()
			return
		}
		req := st.pending[0]
		st.pending = st.pending[1:]
		st.activeTasks++
		es.mu.Unlock()

		if err := o.dispatch(ctx, es, st, req); err != nil {
			observability.LoggerFromContext(ctx).Error("throttled dispatch failed",
				slog.String("pipeline_id", es.pipelineID),
				slog.String("stage", st.def.Name),
				slog.Any("error", err))
			es.mu.Lock()
			st.activeTasks--
			es.mu.Unlock()
		}
	}
}

// completeStage releases the barrier exactly once per attempt: it loads the
// durable outputs, records any compensation, snapshots the context, and
// starts dependents whose dependencies are all satisfied.
func (o *Orchestrator) completeStage(ctx domain.Context, es *execState, name string) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("pipeline_id", es.pipelineID),
		slog.String("stage", name))

	es.mu.Lock()
	st, ok := es.stages[name]
	if !ok || st.status != domain.StageRunning {
		es.mu.Unlock()
		return
	}
	st.status = domain.StageCompleted
	attempt := st.attempt
	started := st.startedAt
	es.mu.Unlock()

	outputs, err := o.store.StageOutputs(ctx, es.pipelineID, name, attempt)
	if err != nil {
		lg.Warn("stage output load failed, using in-memory", slog.Any("error", err))
		es.mu.Lock()
		outputs = append([]any{}, st.outputs...)
		es.mu.Unlock()
	}

	if st.def.Compensation != nil {
		var stageOutput any = outputs
		if len(outputs) == 1 {
			stageOutput = outputs[0]
		}
		if err := o.sagas.RecordCompensation(ctx, es.pipelineID, st.def, stageOutput); err != nil {
			lg.Warn("compensation record failed", slog.Any("error", err))
		}
	}

	now := time.Now().UTC()
	es.mu.Lock()
	st.outputs = outputs
	es.context.StageOutputs()[name] = outputs
	delete(es.active, name)
	activeList := es.activeList()
	allDone := len(es.active) == 0 && es.allCompleted()
	es.mu.Unlock()

	completed := domain.StageCompleted
	progress := domain.StageProgress{Status: &completed, CompletedAt: &now}
	if st.def.Mode == domain.ModeHumanApproval {
		cleared := ""
		progress.PendingApprovalID = &cleared
	}
	if err := o.store.UpdateStageProgress(ctx, es.pipelineID, name, progress); err != nil {
		lg.Warn("stage completion write failed", slog.Any("error", err))
	}
	version, err := o.store.SnapshotContext(ctx, es.pipelineID, es.context)
	if err != nil {
		lg.Error("context snapshot failed", slog.Any("error", err))
	}
	cursor := &domain.ResumeCursor{StageName: name, StageNames: activeList}
	if err := o.store.SetPipelineStatus(ctx, es.pipelineID, domain.PipelineRunning, domain.PipelinePatch{
		CurrentStage:   &name,
		ActiveStages:   &activeList,
		ResumeCursor:   cursor,
		ContextVersion: &version,
	}); err != nil {
		lg.Warn("pipeline cursor write failed", slog.Any("error", err))
	}

	observability.StageFinished(string(st.def.Mode), "completed")
	if !started.IsZero() {
		observability.StageDuration.WithLabelValues(string(st.def.Mode)).Observe(now.Sub(started).Seconds())
	}
	lg.Info("stage completed", slog.Int("outputs", len(outputs)))

	if allDone {
		o.finalizePipeline(ctx, es)
		return
	}
	for _, dep := range es.graph.dependents[name] {
		es.mu.Lock()
		depState, ok := es.stages[dep]
		ready := ok && depState.status == domain.StagePending &&
			es.graph.depsSatisfied(dep, func(n string) bool {
				s, ok := es.stages[n]
				return ok && s.status == domain.StageCompleted
			})
		es.mu.Unlock()
		if ready {
			go o.executeStage(ctx, es, dep)
		}
	}
}

// finalizePipeline marks the run completed and drops the compensation stack.
func (o *Orchestrator) finalizePipeline(ctx domain.Context, es *execState) {
	lg := observability.LoggerFromContext(ctx)
	if err := o.sagas.Clear(ctx, es.pipelineID); err != nil {
		lg.Warn("compensation clear failed", slog.String("pipeline_id", es.pipelineID), slog.Any("error", err))
	}
	now := time.Now().UTC()
	current := ""
	empty := []string{}
	if err := o.store.SetPipelineStatus(ctx, es.pipelineID, domain.PipelineCompleted, domain.PipelinePatch{
		CurrentStage: &current,
		ActiveStages: &empty,
		CompletedAt:  &now,
	}); err != nil {
		lg.Error("pipeline completion write failed", slog.String("pipeline_id", es.pipelineID), slog.Any("error", err))
	}
	o.evict(es.pipelineID)
	observability.PipelineFinished("completed")
	lg.Info("pipeline completed", slog.String("pipeline_id", es.pipelineID))
}

// failStage marks the stage failed and escalates to pipeline failure.
func (o *Orchestrator) failStage(ctx domain.Context, es *execState, name string, cause error) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("pipeline_id", es.pipelineID),
		slog.String("stage", name))

	es.mu.Lock()
	st, ok := es.stages[name]
	if !ok {
		es.mu.Unlock()
		return
	}
	st.status = domain.StageFailed
	st.errMsg = cause.Error()
	delete(es.active, name)
	es.mu.Unlock()

	now := time.Now().UTC()
	failed := domain.StageFailed
	msg := cause.Error()
	progress := domain.StageProgress{Status: &failed, Error: &msg, CompletedAt: &now}
	if st.def.Mode == domain.ModeHumanApproval {
		cleared := ""
		progress.PendingApprovalID = &cleared
	}
	if err := o.store.UpdateStageProgress(ctx, es.pipelineID, name, progress); err != nil {
		lg.Warn("stage failure write failed", slog.Any("error", err))
	}
	observability.StageFinished(string(st.def.Mode), "failed")
	lg.Error("stage failed", slog.Any("error", cause))

	o.handlePipelineFailure(ctx, es, cause)
}

// handlePipelineFailure runs saga compensation when any frames were
// recorded, marks the pipeline failed, and evicts the in-memory state.
func (o *Orchestrator) handlePipelineFailure(ctx domain.Context, es *execState, cause error) {
	lg := observability.LoggerFromContext(ctx)
	pending, err := o.sagas.HasPending(ctx, es.pipelineID)
	if err != nil {
		lg.Warn("compensation check failed", slog.String("pipeline_id", es.pipelineID), slog.Any("error", err))
	}
	if pending {
		o.sagas.ExecuteCompensations(ctx, es.pipelineID)
	}
	now := time.Now().UTC()
	current := ""
	empty := []string{}
	errMsg := cause.Error()
	if err := o.store.SetPipelineStatus(ctx, es.pipelineID, domain.PipelineFailed, domain.PipelinePatch{
		CurrentStage: &current,
		ActiveStages: &empty,
		CompletedAt:  &now,
		Error:        &errMsg,
	}); err != nil {
		lg.Error("pipeline failure write failed", slog.String("pipeline_id", es.pipelineID), slog.Any("error", err))
	}
	o.evict(es.pipelineID)
	observability.PipelineFinished("failed")
	lg.Error("pipeline failed", slog.String("pipeline_id", es.pipelineID), slog.Any("error", cause))
}
