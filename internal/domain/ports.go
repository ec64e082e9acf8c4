package domain

import (
	"context"
	"time"
)

// Context is an alias so ports read uniformly; adapters pass context.Context
// straight through.
type Context = context.Context

// PipelineStore persists pipeline-level records and the running set.
type PipelineStore interface {
	CreatePipeline(ctx Context, rec PipelineRecord) error
	GetPipeline(ctx Context, pipelineID string) (PipelineRecord, error)
	// SetPipelineStatus applies the patch and status in one write batch;
	// membership in the running set changes as part of the same batch.
	SetPipelineStatus(ctx Context, pipelineID string, status PipelineStatus, patch PipelinePatch) error
	RunningPipelines(ctx Context) ([]string, error)
	MarkPipelineCancelled(ctx Context, pipelineID string) error
	ClearPipelineCancellation(ctx Context, pipelineID string) error
	IsPipelineCancelled(ctx Context, pipelineID string) (bool, error)
}

// StageStore persists per-stage barrier state.
type StageStore interface {
	UpsertStage(ctx Context, rec StageRecord) error
	GetStage(ctx Context, pipelineID, stageName string) (StageRecord, error)
	ListStages(ctx Context, pipelineID string) ([]StageRecord, error)
	UpdateStageProgress(ctx Context, pipelineID, stageName string, p StageProgress) error
}

// TaskStore persists task attempts, leases, and stage outputs.
type TaskStore interface {
	// RecordTaskAttempt appends to the per-stage attempt list and updates
	// the per-taskIndex latest cell in one batch. Fields missing from an
	// update are carried forward from the prior latest value.
	RecordTaskAttempt(ctx Context, rec TaskAttemptRecord) error
	ListTaskAttempts(ctx Context, pipelineID, stageName string) ([]TaskAttemptRecord, error)
	TaskStatusMap(ctx Context, pipelineID, stageName string) (map[int]TaskAttemptRecord, error)
	// PendingTasks returns the latest attempt of every task not yet completed.
	PendingTasks(ctx Context, pipelineID, stageName string) ([]TaskAttemptRecord, error)

	EnsureTaskLease(ctx Context, lease TaskLeaseRecord) error
	// AcquireTaskLease succeeds when the lease is unowned, owned by the same
	// owner, or expired.
	AcquireTaskLease(ctx Context, pipelineID, stageName string, taskIndex int, leaseID, owner string, ttl time.Duration) (bool, error)
	// RenewTaskLease succeeds only when both lease id and owner match.
	RenewTaskLease(ctx Context, pipelineID, stageName string, taskIndex int, leaseID, owner string, ttl time.Duration) (bool, error)
	// ReleaseTaskLease succeeds only when the lease id matches.
	ReleaseTaskLease(ctx Context, pipelineID, stageName string, taskIndex int, leaseID string) (bool, error)
	GetTaskLease(ctx Context, pipelineID, stageName string, taskIndex int) (TaskLeaseRecord, error)

	AppendStageOutput(ctx Context, pipelineID, stageName string, attempt int, output any) error
	StageOutputs(ctx Context, pipelineID, stageName string, attempt int) ([]any, error)
	ClearStageOutputs(ctx Context, pipelineID, stageName string, attempt int) error
}

// ContextStore persists versioned context snapshots.
type ContextStore interface {
	// SnapshotContext allocates the next version monotonically and writes
	// snapshot, latest pointer, and the pipeline record's contextVersion in
	// one batch. Returns the allocated version.
	SnapshotContext(ctx Context, pipelineID string, data ContextData) (int64, error)
	LatestContext(ctx Context, pipelineID string) (ContextSnapshot, error)
	GetContext(ctx Context, pipelineID string, version int64) (ContextSnapshot, error)
}

// SagaStore persists the per-pipeline compensation stack (LIFO).
type SagaStore interface {
	PushCompensation(ctx Context, entry CompensationEntry) error
	PopCompensation(ctx Context, pipelineID string) (CompensationEntry, bool, error)
	HasPendingCompensations(ctx Context, pipelineID string) (bool, error)
	ClearCompensations(ctx Context, pipelineID string) error
}

// DeadLetterStore archives dead-lettered messages per queue, capped.
type DeadLetterStore interface {
	ArchiveDeadLetter(ctx Context, queueName string, message any) error
	DeadLetters(ctx Context, queueName string, limit int) ([]DeadLetterRecord, error)
}

// ApprovalStore persists approval requests and the pending index.
type ApprovalStore interface {
	PutApproval(ctx Context, req ApprovalRequest, ttl time.Duration) error
	GetApproval(ctx Context, approvalID string) (ApprovalRequest, error)
	// UpdateApproval rewrites the request and removes it from the pending
	// index when it reached a terminal status. Retention bounds how long a
	// decided request stays readable for audit.
	UpdateApproval(ctx Context, req ApprovalRequest, retention time.Duration) error
	PendingApprovals(ctx Context, filter ApprovalFilter) ([]ApprovalRequest, error)
}

// ApprovalFilter narrows pending-approval listings.
type ApprovalFilter struct {
	PipelineID string
	AssignTo   string
	Limit      int
}

// BreakerStore persists circuit-breaker snapshots per actor type.
type BreakerStore interface {
	SaveBreakerState(ctx Context, st CircuitBreakerState) error
	GetBreakerState(ctx Context, actorType string) (CircuitBreakerState, error)
}

// Subscription is one pub/sub subscription. Messages arrive on C until Close.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// PubSub is the fire-and-forget event side of the state store.
type PubSub interface {
	Publish(ctx Context, channel string, payload any) error
	Subscribe(ctx Context, channel string) (Subscription, error)
}

// StateStore is the full durable backend the orchestrator runs against.
type StateStore interface {
	PipelineStore
	StageStore
	TaskStore
	ContextStore
	SagaStore
	DeadLetterStore
	ApprovalStore
	BreakerStore
	PubSub
}

// Job is one unit handed to the transport. JobID deduplicates: enqueueing
// the same id twice while the first copy is still live is a no-op.
type Job struct {
	Queue     string
	JobID     string
	Type      string
	Payload   []byte
	Delay     time.Duration
	MaxRetry  int
	Retention time.Duration
}

// JobHandler processes one consumed job. A non-nil error requeues the job
// subject to the transport's retry count.
type JobHandler func(ctx Context, jobType string, payload []byte) error

// Transport is the durable queue the orchestrator dispatches through.
type Transport interface {
	Enqueue(ctx Context, job Job) error
	// CancelJob best-effort deletes a not-yet-consumed job by id.
	CancelJob(ctx Context, queue, jobID string) error
	// Consume registers a worker for a queue. Consumers for new queues may
	// be registered at any time.
	Consume(queue string, h JobHandler) error
	Close() error
}
