// Package orchestrator owns the pipeline DAG state machine: it schedules
// stage tasks through executors, processes worker result and failure
// messages from the control queue, releases stage barriers, drives retries,
// dead-lettering, saga compensation, and cancellation, and resumes in-flight
// pipelines from the durable store on startup.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/flowpipe/internal/approval"
	"github.com/fairyhunter13/flowpipe/internal/breaker"
	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/executor"
	"github.com/fairyhunter13/flowpipe/internal/expr"
	"github.com/fairyhunter13/flowpipe/internal/observability"
	"github.com/fairyhunter13/flowpipe/internal/saga"
)

const defaultLeaseTTL = 5 * time.Minute

// ExecuteOptions tunes one submission.
type ExecuteOptions struct {
	// IdempotencyKey derives the pipeline id deterministically; resubmitting
	// with the same key returns the existing pipeline.
	IdempotencyKey string
	Metadata       map[string]any
}

// Orchestrator is the DAG scheduler. Several instances may share one state
// backend; each instance caches the pipelines it is driving in memory and
// rebuilds that cache on startup.
type Orchestrator struct {
	store     domain.StateStore
	transport domain.Transport
	eval      *expr.Evaluator
	executors *executor.Registry
	breakers  *breaker.Registry
	sagas     *saga.Coordinator
	approvals *approval.Manager
	validate  *validator.Validate

	// owner identifies this instance as the lease owner on dispatched tasks.
	owner    string
	leaseTTL time.Duration

	mu        sync.Mutex
	pipelines map[string]*execState
	dlqs      map[string]struct{}

	resumeOnce sync.Once
	resumed    chan struct{}
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithOwner sets the instance id stamped on task leases.
func WithOwner(owner string) Option {
	return func(o *Orchestrator) {
		if owner != "" {
			o.owner = owner
		}
	}
}

// WithDefaultLeaseTTL overrides the lease TTL for stages without one.
func WithDefaultLeaseTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// New wires the orchestrator. Call Start to register the control consumers
// and resume in-flight pipelines.
func New(store domain.StateStore, transport domain.Transport, breakers *breaker.Registry, sagas *saga.Coordinator, approvals *approval.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		transport: transport,
		eval:      expr.New(),
		breakers:  breakers,
		sagas:     sagas,
		approvals: approvals,
		validate:  validator.New(),
		owner:     "orchestrator-" + ulid.Make().String(),
		leaseTTL:  defaultLeaseTTL,
		pipelines: map[string]*execState{},
		dlqs:      map[string]struct{}{},
		resumed:   make(chan struct{}),
	}
	o.executors = executor.NewRegistry(approvals)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start registers the control-queue and approval-timeout consumers and kicks
// off resume. Safe to call once.
func (o *Orchestrator) Start(ctx domain.Context) error {
	if err := o.transport.Consume(domain.ControlQueue, o.controlHandler); err != nil {
		return err
	}
	if err := o.transport.Consume(domain.ApprovalTimeoutQueue, o.timeoutHandler); err != nil {
		return err
	}
	o.resumeOnce.Do(func() {
		go o.resumeInFlightPipelines(ctx)
	})
	return nil
}

// WaitForResume blocks until startup resume finished. Submission and message
// handling gate on this so resumed pipelines are hydrated before new work
// races them.
func (o *Orchestrator) WaitForResume(ctx domain.Context) error {
	select {
	case <-o.resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute validates and submits a pipeline, returning its id. With an
// idempotency key, resubmission returns the existing pipeline id without
// side effects.
func (o *Orchestrator) Execute(ctx domain.Context, def domain.PipelineDefinition, trigger map[string]any, opts ExecuteOptions) (string, error) {
	if err := o.WaitForResume(ctx); err != nil {
		return "", err
	}
	if err := o.validate.Struct(def); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	graph, err := buildDAG(&def)
	if err != nil {
		return "", err
	}
	for i := range def.Stages {
		if _, err := o.executors.Lookup(def.Stages[i].Mode); err != nil {
			return "", err
		}
	}

	pipelineID := "pipeline:" + ulid.Make().String()
	if opts.IdempotencyKey != "" {
		pipelineID = "pipeline:idem:" + opts.IdempotencyKey
		if existing, err := o.store.GetPipeline(ctx, pipelineID); err == nil {
			return existing.PipelineID, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}

	now := time.Now().UTC()
	rec := domain.PipelineRecord{
		PipelineID:  pipelineID,
		Definition:  def,
		Status:      domain.PipelineRunning,
		TriggerData: trigger,
		CreatedAt:   now,
		StartedAt:   &now,
		UpdatedAt:   now,
		StageOrder:  graph.order,
		Metadata:    opts.Metadata,
	}
	if err := o.store.CreatePipeline(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a concurrent idempotent submit; the record is the same.
			return pipelineID, nil
		}
		return "", err
	}
	for i := range def.Stages {
		if err := o.store.UpsertStage(ctx, domain.StageRecord{
			PipelineID: pipelineID,
			StageName:  def.Stages[i].Name,
			Status:     domain.StagePending,
			Attempt:    1,
		}); err != nil {
			return "", err
		}
	}
	data := domain.NewContextData(trigger)
	if _, err := o.store.SnapshotContext(ctx, pipelineID, data); err != nil {
		return "", err
	}

	es := newExecState(pipelineID, &rec.Definition, graph, data)
	o.mu.Lock()
	o.pipelines[pipelineID] = es
	o.mu.Unlock()
	observability.PipelinesActive.Inc()

	lg := observability.LoggerFromContext(ctx)
	lg.Info("pipeline started",
		slog.String("pipeline_id", pipelineID),
		slog.String("pipeline", def.Name),
		slog.Int("stages", len(def.Stages)))

	for _, entry := range graph.entries {
		go o.executeStage(ctx, es, entry)
	}
	return pipelineID, nil
}

// Cancel sets the cooperative cancellation flag. In-flight worker tasks are
// not interrupted; their late messages are dropped.
func (o *Orchestrator) Cancel(ctx domain.Context, pipelineID string) error {
	return o.store.MarkPipelineCancelled(ctx, pipelineID)
}

// GetPipeline loads the durable pipeline record.
func (o *Orchestrator) GetPipeline(ctx domain.Context, pipelineID string) (domain.PipelineRecord, error) {
	return o.store.GetPipeline(ctx, pipelineID)
}

// ListStages loads the durable stage records.
func (o *Orchestrator) ListStages(ctx domain.Context, pipelineID string) ([]domain.StageRecord, error) {
	return o.store.ListStages(ctx, pipelineID)
}

// LatestContext loads the most recent context snapshot.
func (o *Orchestrator) LatestContext(ctx domain.Context, pipelineID string) (domain.ContextSnapshot, error) {
	return o.store.LatestContext(ctx, pipelineID)
}

// SubmitApproval records an external approval decision.
func (o *Orchestrator) SubmitApproval(ctx domain.Context, approvalID, decision, decidedBy, comment string, metadata map[string]any) error {
	return o.approvals.SubmitDecision(ctx, approvalID, decision, decidedBy, comment, metadata)
}

// GetApproval loads one approval request.
func (o *Orchestrator) GetApproval(ctx domain.Context, approvalID string) (domain.ApprovalRequest, error) {
	return o.approvals.Get(ctx, approvalID)
}

// PendingApprovals lists pending approval requests.
func (o *Orchestrator) PendingApprovals(ctx domain.Context, filter domain.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	return o.approvals.Pending(ctx, filter)
}

// SubscribeToApprovals streams new approval notifications to cb.
func (o *Orchestrator) SubscribeToApprovals(ctx domain.Context, cb func(domain.ApprovalNotification)) error {
	return o.approvals.SubscribeNotifications(ctx, cb)
}

// ListDeadLetters returns archived dead-letter messages, newest first.
func (o *Orchestrator) ListDeadLetters(ctx domain.Context, queueName string, limit int) ([]domain.DeadLetterRecord, error) {
	return o.store.DeadLetters(ctx, domain.SanitizeQueueName(queueName), limit)
}

// lookup returns the cached state for a pipeline, hydrating it from the
// store when another instance (or a previous life of this one) started it.
func (o *Orchestrator) lookup(ctx domain.Context, pipelineID string) (*execState, error) {
	o.mu.Lock()
	es, ok := o.pipelines[pipelineID]
	o.mu.Unlock()
	if ok {
		return es, nil
	}
	return o.hydrate(ctx, pipelineID)
}

func (o *Orchestrator) evict(pipelineID string) {
	o.mu.Lock()
	_, ok := o.pipelines[pipelineID]
	delete(o.pipelines, pipelineID)
	o.mu.Unlock()
	if ok {
		observability.PipelinesActive.Dec()
	}
}

// abortIfCancelled checks the cancellation flag and, when set, tears the
// pipeline down: status failed, compensation stack cleared, cache evicted.
func (o *Orchestrator) abortIfCancelled(ctx domain.Context, es *execState) (bool, error) {
	cancelled, err := o.store.IsPipelineCancelled(ctx, es.pipelineID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	lg := observability.LoggerFromContext(ctx)
	lg.Info("pipeline cancelled", slog.String("pipeline_id", es.pipelineID))
	now := time.Now().UTC()
	empty := []string{}
	current := ""
	errMsg := "cancelled"
	if err := o.store.SetPipelineStatus(ctx, es.pipelineID, domain.PipelineFailed, domain.PipelinePatch{
		CurrentStage: &current,
		ActiveStages: &empty,
		CompletedAt:  &now,
		Error:        &errMsg,
	}); err != nil {
		lg.Warn("cancel status write failed", slog.Any("error", err))
	}
	if err := o.sagas.Clear(ctx, es.pipelineID); err != nil {
		lg.Warn("cancel compensation clear failed", slog.Any("error", err))
	}
	o.evict(es.pipelineID)
	observability.PipelineFinished("cancelled")
	return true, nil
}
