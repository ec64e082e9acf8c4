package domain

import "time"

// PipelineStatus is the lifecycle state of a pipeline run.
type PipelineStatus string

// Pipeline statuses.
const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelinePaused    PipelineStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineCompleted || s == PipelineFailed
}

// StageStatus is the lifecycle state of one stage within an attempt.
type StageStatus string

// Stage statuses.
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageBlocked   StageStatus = "blocked"
)

// TaskStatus is the lifecycle state of a task attempt.
type TaskStatus string

// Task statuses.
const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ResumeCursor records where execution stood for crash recovery.
type ResumeCursor struct {
	StageName  string   `json:"stageName,omitempty"`
	StageNames []string `json:"stageNames,omitempty"`
}

// PipelineRecord is the durable record of one pipeline run. Exactly one
// exists per pipeline id.
type PipelineRecord struct {
	PipelineID     string             `json:"pipelineId"`
	Definition     PipelineDefinition `json:"definition"`
	Status         PipelineStatus     `json:"status"`
	TriggerData    map[string]any     `json:"triggerData,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	StartedAt      *time.Time         `json:"startedAt,omitempty"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	StageOrder     []string           `json:"stageOrder"`
	CurrentStage   string             `json:"currentStage,omitempty"`
	ResumeCursor   *ResumeCursor      `json:"resumeCursor,omitempty"`
	ActiveStages   []string           `json:"activeStages,omitempty"`
	ContextVersion int64              `json:"contextVersion"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// PipelinePatch is applied together with a status transition; last writer
// wins. Nil fields are left untouched.
type PipelinePatch struct {
	CurrentStage   *string
	ResumeCursor   *ResumeCursor
	ActiveStages   *[]string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ContextVersion *int64
	Error          *string
}

// StageRecord is the durable per-stage barrier state. CompletedTasks and
// ExpectedTasks together form the barrier.
type StageRecord struct {
	PipelineID        string      `json:"pipelineId"`
	StageName         string      `json:"stageName"`
	Status            StageStatus `json:"status"`
	Attempt           int         `json:"attempt"`
	ExpectedTasks     int         `json:"expectedTasks"`
	CompletedTasks    int         `json:"completedTasks"`
	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
	OutputsRef        string      `json:"outputsRef,omitempty"`
	PendingApprovalID string      `json:"pendingApprovalId,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// StageProgress carries a partial stage update. Counter deltas and field
// overrides are applied to the stored record.
type StageProgress struct {
	Status              *StageStatus
	Attempt             *int
	ExpectedTasks       *int
	CompletedTasksDelta int
	StartedAt           *time.Time
	CompletedAt         *time.Time
	OutputsRef          *string
	PendingApprovalID   *string
	Error               *string
}

// TaskAttemptRecord is the write-ahead record of one task dispatch. A task is
// addressed by (pipelineId, stageName, attempt, taskIndex); retries append
// rows with an incremented RetryAttempt and a fresh lease.
type TaskAttemptRecord struct {
	PipelineID   string         `json:"pipelineId"`
	StageName    string         `json:"stageName"`
	TaskIndex    int            `json:"taskIndex"`
	Attempt      int            `json:"attempt"`
	RetryAttempt int            `json:"retryAttempt"`
	Status       TaskStatus     `json:"status"`
	QueueName    string         `json:"queueName,omitempty"`
	ActorType    string         `json:"actorType,omitempty"`
	MessageID    string         `json:"messageId,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Output       any            `json:"output,omitempty"`
	Error        *FailureDetail `json:"error,omitempty"`
	WorkerID     string         `json:"workerId,omitempty"`
	QueuedAt     time.Time      `json:"queuedAt"`
	AvailableAt  *time.Time     `json:"availableAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	LeaseID      string         `json:"leaseId,omitempty"`
	RecordedAt   time.Time      `json:"recordedAt"`
}

// TaskLeaseRecord authorizes exactly one worker result per task dispatch.
// A result whose lease id does not match the stored lease is dropped.
type TaskLeaseRecord struct {
	PipelineID string    `json:"pipelineId"`
	StageName  string    `json:"stageName"`
	TaskIndex  int       `json:"taskIndex"`
	LeaseID    string    `json:"leaseId"`
	Owner      string    `json:"owner,omitempty"`
	TTLMs      int64     `json:"ttlMs"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ContextData is the evaluation context shared by all expressions:
// {trigger, stages: {stageName -> []output}}.
type ContextData map[string]any

// NewContextData builds the initial context for a trigger payload.
func NewContextData(trigger map[string]any) ContextData {
	if trigger == nil {
		trigger = map[string]any{}
	}
	return ContextData{"trigger": trigger, "stages": map[string]any{}}
}

// StageOutputs returns the outputs map, creating it if absent.
func (c ContextData) StageOutputs() map[string]any {
	m, ok := c["stages"].(map[string]any)
	if !ok {
		m = map[string]any{}
		c["stages"] = m
	}
	return m
}

// ContextSnapshot is one durable version of the pipeline context.
type ContextSnapshot struct {
	PipelineID string      `json:"pipelineId"`
	Version    int64       `json:"version"`
	Data       ContextData `json:"data"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// DeadLetterRecord archives one dead-lettered message. The archive is a
// capped ring per queue name.
type DeadLetterRecord struct {
	QueueName  string    `json:"queueName"`
	ArchivedAt time.Time `json:"archivedAt"`
	Message    any       `json:"message"`
}

// CompensationEntry is one frame of the per-pipeline saga stack (LIFO).
type CompensationEntry struct {
	PipelineID  string         `json:"pipelineId"`
	StageName   string         `json:"stageName"`
	Actor       string         `json:"actor"`
	Input       map[string]any `json:"input,omitempty"`
	StageOutput any            `json:"stageOutput,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalDecision records who decided what, and when.
type ApprovalDecision struct {
	Decision  string         `json:"decision"`
	DecidedBy string         `json:"decidedBy"`
	DecidedAt time.Time      `json:"decidedAt"`
	Comment   string         `json:"comment,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ApprovalRequest is a pending (or decided) human-approval gate.
type ApprovalRequest struct {
	ApprovalID string            `json:"approvalId"`
	PipelineID string            `json:"pipelineId"`
	StageName  string            `json:"stageName"`
	AssignTo   string            `json:"assignTo,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Status     ApprovalStatus    `json:"status"`
	Decision   *ApprovalDecision `json:"decision,omitempty"`
}

// BreakerState is the circuit state for one actor type.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState is the persisted breaker snapshot per actor type.
// Cross-instance consistency is eventual.
type CircuitBreakerState struct {
	ActorType         string        `json:"actorType"`
	State             BreakerState  `json:"state"`
	Failures          int           `json:"failures"`
	LastFailureTime   *time.Time    `json:"lastFailureTime,omitempty"`
	HalfOpenAttempts  int           `json:"halfOpenAttempts"`
	HalfOpenSuccesses int           `json:"halfOpenSuccesses"`
	Config            BreakerPolicy `json:"config"`
}
