package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/flowpipe/internal/approval"
	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/executor"
	"github.com/fairyhunter13/flowpipe/internal/observability"
)

// controlHandler consumes the pipeline-stage-results queue and routes worker
// messages into the scheduler.
func (o *Orchestrator) controlHandler(ctx domain.Context, jobType string, payload []byte) error {
	var msg domain.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("bad control message", slog.String("job_type", jobType), slog.Any("error", err))
		return nil
	}
	switch msg.Type {
	case domain.MessageTypeResult:
		if msg.Result == nil {
			return nil
		}
		return o.HandleStageResult(ctx, *msg.Result)
	case domain.MessageTypeFailure:
		if msg.Failure == nil {
			return nil
		}
		return o.HandleTaskFailure(ctx, *msg.Failure)
	default:
		slog.Warn("unknown control message type", slog.String("type", msg.Type))
		return nil
	}
}

// timeoutHandler consumes the delayed approval-timeout queue.
func (o *Orchestrator) timeoutHandler(ctx domain.Context, _ string, payload []byte) error {
	var p approval.TimeoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("bad approval timeout payload", slog.Any("error", err))
		return nil
	}
	return o.approvals.HandleTimeout(ctx, p)
}

// HandleStageResult processes one worker success. The stored lease gates the
// mutation: a result carrying a stale lease id is dropped silently.
func (o *Orchestrator) HandleStageResult(ctx domain.Context, p domain.ResultPayload) error {
	if err := o.WaitForResume(ctx); err != nil {
		return err
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("pipeline_id", p.PipelineID),
		slog.String("stage", p.StageName),
		slog.Int("task_index", p.TaskIndex))

	es, err := o.lookup(ctx, p.PipelineID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Debug("result for unknown pipeline dropped")
			return nil
		}
		return err
	}
	if !o.settleLease(ctx, p.PipelineID, p.StageName, p.TaskIndex, p.LeaseID) {
		lg.Debug("stale lease, result dropped", slog.String("lease_id", p.LeaseID))
		return nil
	}
	if cancelled, err := o.abortIfCancelled(ctx, es); cancelled || err != nil {
		return err
	}

	es.mu.Lock()
	st, ok := es.stages[p.StageName]
	if !ok || st.status != domain.StageRunning {
		es.mu.Unlock()
		lg.Debug("late result dropped")
		return nil
	}
	if st.activeTasks > 0 {
		st.activeTasks--
	}
	attempt := st.attempt
	es.mu.Unlock()

	actorType := o.taskActorType(ctx, p.PipelineID, p.StageName, p.TaskIndex)

	now := time.Now().UTC()
	if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   p.PipelineID,
		StageName:    p.StageName,
		TaskIndex:    p.TaskIndex,
		Attempt:      attempt,
		RetryAttempt: p.RetryAttempt,
		Status:       domain.TaskCompleted,
		Output:       p.Output,
		WorkerID:     p.WorkerID,
		CompletedAt:  &now,
		RecordedAt:   now,
	}); err != nil {
		lg.Warn("task completion write failed", slog.Any("error", err))
	}
	// The durable output and counter must land before the task counts toward
	// the barrier, so whichever result releases it sees every counted output.
	if err := o.store.AppendStageOutput(ctx, p.PipelineID, p.StageName, attempt, p.Output); err != nil {
		lg.Warn("stage output append failed", slog.Any("error", err))
	}
	if err := o.store.UpdateStageProgress(ctx, p.PipelineID, p.StageName, domain.StageProgress{
		CompletedTasksDelta: 1,
	}); err != nil {
		lg.Warn("barrier counter write failed", slog.Any("error", err))
	}
	if actorType != "" {
		o.breakers.RecordSuccess(ctx, actorType)
	}

	es.mu.Lock()
	barrier := false
	if st.status == domain.StageRunning {
		st.completed++
		st.outputs = append(st.outputs, p.Output)
		barrier = st.expectedSet && st.completed >= st.expected
	}
	es.mu.Unlock()

	o.drainPending(ctx, es, st)
	if barrier {
		o.completeStage(ctx, es, p.StageName)
	}
	return nil
}

// HandleTaskFailure processes one worker failure: retry with backoff while
// the policy allows, otherwise dead-letter the message and fail the
// pipeline.
func (o *Orchestrator) HandleTaskFailure(ctx domain.Context, p domain.FailurePayload) error {
	if err := o.WaitForResume(ctx); err != nil {
		return err
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("pipeline_id", p.PipelineID),
		slog.String("stage", p.StageName),
		slog.Int("task_index", p.TaskIndex))

	es, err := o.lookup(ctx, p.PipelineID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Debug("failure for unknown pipeline dropped")
			return nil
		}
		return err
	}
	if !o.settleLease(ctx, p.PipelineID, p.StageName, p.TaskIndex, p.LeaseID) {
		lg.Debug("stale lease, failure dropped", slog.String("lease_id", p.LeaseID))
		return nil
	}
	if cancelled, err := o.abortIfCancelled(ctx, es); cancelled || err != nil {
		return err
	}

	es.mu.Lock()
	st, ok := es.stages[p.StageName]
	if !ok || st.status != domain.StageRunning {
		es.mu.Unlock()
		lg.Debug("late failure dropped")
		return nil
	}
	if st.activeTasks > 0 {
		st.activeTasks--
	}
	attempt := st.attempt
	es.mu.Unlock()

	now := time.Now().UTC()
	detail := p.Error
	if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   p.PipelineID,
		StageName:    p.StageName,
		TaskIndex:    p.TaskIndex,
		Attempt:      attempt,
		RetryAttempt: p.RetryAttempt,
		Status:       domain.TaskFailed,
		Error:        &detail,
		WorkerID:     p.WorkerID,
		CompletedAt:  &now,
		RecordedAt:   now,
	}); err != nil {
		lg.Warn("task failure write failed", slog.Any("error", err))
	}
	if p.ActorType != "" {
		// Worker-reported failure feeds the breaker; internal rescheduling
		// below must not, or one failure would count twice.
		o.breakers.RecordFailure(ctx, p.ActorType)
	}

	o.drainPending(ctx, es, st)

	policy := p.RetryPolicy
	if policy == nil {
		policy = st.def.EffectiveRetry()
	}
	retryAttempt := p.RetryAttempt
	if retryAttempt < 1 {
		retryAttempt = 1
	}
	if policy.ShouldRetry(retryAttempt) {
		delay := policy.NextDelay(retryAttempt)
		lg.Info("task retry scheduled",
			slog.Int("retry_attempt", retryAttempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", p.Error.Message))
		if err := o.scheduleTask(ctx, es, st, executor.TaskRequest{
			ActorType:    p.ActorType,
			TaskIndex:    p.TaskIndex,
			Input:        p.Input,
			Metadata:     p.Metadata,
			RetryPolicy:  policy,
			RetryAttempt: retryAttempt + 1,
			Delay:        delay,
		}); err != nil {
			if errors.Is(err, domain.ErrCancelled) {
				return nil
			}
			lg.Error("retry dispatch failed", slog.Any("error", err))
			o.deadLetter(ctx, st, p)
			o.failStage(ctx, es, p.StageName, fmt.Errorf("%w: %s", domain.ErrTaskExecution, p.Error.Message))
		}
		return nil
	}

	o.deadLetter(ctx, st, p)
	o.failStage(ctx, es, p.StageName, fmt.Errorf("%w: %s", domain.ErrTaskExecution, p.Error.Message))
	return nil
}

// settleLease releases the stored lease and reports whether the message may
// mutate state. Only the holder of the currently stored lease may settle a
// task: a mismatched id is stale, and a missing lease means the task was
// already settled or its lease expired, so redeliveries are dropped.
func (o *Orchestrator) settleLease(ctx domain.Context, pipelineID, stageName string, taskIndex int, leaseID string) bool {
	stored, err := o.store.GetTaskLease(ctx, pipelineID, stageName, taskIndex)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if err != nil {
		slog.Warn("lease load failed", slog.Any("error", err))
		return true
	}
	if stored.LeaseID != leaseID {
		return false
	}
	if _, err := o.store.ReleaseTaskLease(ctx, pipelineID, stageName, taskIndex, stored.LeaseID); err != nil {
		slog.Warn("lease release failed", slog.Any("error", err))
	}
	return true
}

// taskActorType reads the actor type off the latest attempt record.
func (o *Orchestrator) taskActorType(ctx domain.Context, pipelineID, stageName string, taskIndex int) string {
	m, err := o.store.TaskStatusMap(ctx, pipelineID, stageName)
	if err != nil {
		return ""
	}
	return m[taskIndex].ActorType
}

// deadLetter routes an exhausted failure to the stage's dead-letter queue,
// registering the archiving consumer for that queue on first use.
func (o *Orchestrator) deadLetter(ctx domain.Context, st *stageState, p domain.FailurePayload) {
	lg := observability.LoggerFromContext(ctx)
	name := ""
	if st.def.Config != nil {
		name = st.def.Config.DeadLetterQueue
	}
	if name == "" {
		name = domain.DefaultDeadLetterQueue(p.ActorType)
	}
	name = domain.SanitizeQueueName(name)
	if err := o.ensureDeadLetterConsumer(name); err != nil {
		lg.Error("dead-letter consumer registration failed", slog.String("queue", name), slog.Any("error", err))
	}

	enriched := p
	enriched.DeadLetterQueue = name
	msg := domain.ControlMessage{Type: domain.MessageTypeDeadLetter, Failure: &enriched}
	payload, err := json.Marshal(msg)
	if err != nil {
		lg.Error("dead-letter marshal failed", slog.Any("error", err))
		return
	}
	if err := o.transport.Enqueue(ctx, domain.Job{
		Queue:   name,
		Type:    domain.MessageTypeDeadLetter,
		Payload: payload,
	}); err != nil {
		lg.Error("dead-letter enqueue failed", slog.String("queue", name), slog.Any("error", err))
		return
	}
	lg.Warn("task dead-lettered",
		slog.String("pipeline_id", p.PipelineID),
		slog.String("stage", p.StageName),
		slog.Int("task_index", p.TaskIndex),
		slog.String("queue", name))
}

// ensureDeadLetterConsumer registers the archiver for a DLQ once.
func (o *Orchestrator) ensureDeadLetterConsumer(name string) error {
	o.mu.Lock()
	if _, ok := o.dlqs[name]; ok {
		o.mu.Unlock()
		return nil
	}
	o.dlqs[name] = struct{}{}
	o.mu.Unlock()

	return o.transport.Consume(name, func(ctx domain.Context, _ string, payload []byte) error {
		var msg any
		if err := json.Unmarshal(payload, &msg); err != nil {
			msg = string(payload)
		}
		if err := o.store.ArchiveDeadLetter(ctx, name, msg); err != nil {
			return err
		}
		observability.DeadLettered(name)
		return nil
	})
}
