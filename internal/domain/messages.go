package domain

import (
	"fmt"
	"strings"
	"time"
)

// Well-known queue names.
const (
	ControlQueue         = "pipeline-stage-results"
	ApprovalTimeoutQueue = "approval-timeout-handler"
	OutboxRelayQueue     = "pipeline-outbox-relay"
)

// Pub/sub channels for the approval flow.
const (
	ApprovalNotificationChannel = "approval:notification"
	ApprovalEscalationChannel   = "approval:escalation"
)

// ApprovalDecisionChannel is the per-approval decision channel.
func ApprovalDecisionChannel(approvalID string) string {
	return "approval:decision:" + approvalID
}

// Message type discriminators on the wire.
const (
	MessageTypeExecute    = "execute"
	MessageTypeResult     = "result"
	MessageTypeFailure    = "failure"
	MessageTypeDeadLetter = "dead-letter"
)

// TaskTypeCompensation marks saga compensation messages so workers can route
// them away from regular task handling.
const TaskTypeCompensation = "compensation"

// ActorQueue returns the work queue for an actor type.
func ActorQueue(actorType string) string {
	return "actor-" + actorType
}

// DefaultDeadLetterQueue returns the sanitized default DLQ name for an actor
// type. Queue names never contain colons.
func DefaultDeadLetterQueue(actorType string) string {
	return SanitizeQueueName(ActorQueue(actorType) + ":dlq")
}

// SanitizeQueueName maps characters the transport rejects.
func SanitizeQueueName(name string) string {
	return strings.ReplaceAll(name, ":", "-")
}

// TaskJobID builds the deterministic job id for one task dispatch. Identical
// parameters always produce the same id, which makes requeue on resume
// idempotent.
func TaskJobID(pipelineID, stageName string, attempt, taskIndex, retryAttempt int) string {
	pid := strings.ReplaceAll(pipelineID, ":", "_")
	return fmt.Sprintf("%s-%s-%d-%d-r%d", pid, stageName, attempt, taskIndex, retryAttempt)
}

// CompensationJobID builds the deterministic job id for a saga compensation
// dispatch.
func CompensationJobID(pipelineID, stageName string) string {
	return fmt.Sprintf("compensation-%s-%s", strings.ReplaceAll(pipelineID, ":", "_"), stageName)
}

// ApprovalTimeoutJobID keys the delayed timeout job for one approval.
func ApprovalTimeoutJobID(approvalID string) string {
	return "approval-timeout-" + approvalID
}

// TaskPayload is the body of an actor-bound execute message.
type TaskPayload struct {
	PipelineID   string         `json:"pipelineId"`
	StageName    string         `json:"stageName"`
	TaskIndex    int            `json:"taskIndex"`
	TaskType     string         `json:"taskType,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Attempt      int            `json:"attempt"`
	RetryAttempt int            `json:"retryAttempt"`
	RetryPolicy  *RetryPolicy   `json:"retryPolicy,omitempty"`
	LeaseID      string         `json:"leaseId,omitempty"`
	LeaseTTLMs   int64          `json:"leaseTtlMs,omitempty"`
}

// ActorMessage is the envelope enqueued on actor queues.
type ActorMessage struct {
	MessageID string      `json:"messageId"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      string      `json:"type"`
	Payload   TaskPayload `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// FailureDetail is the structured error a worker reports for a failed task.
type FailureDetail struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func (f *FailureDetail) Error() string {
	if f == nil {
		return ""
	}
	return f.Message
}

// ResultPayload is the body of a control-queue result message.
type ResultPayload struct {
	PipelineID   string `json:"pipelineId"`
	StageName    string `json:"stageName"`
	TaskIndex    int    `json:"taskIndex"`
	Output       any    `json:"output,omitempty"`
	WorkerID     string `json:"workerId,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	RetryAttempt int    `json:"retryAttempt,omitempty"`
	LeaseID      string `json:"leaseId,omitempty"`
}

// FailurePayload is the body of a control-queue failure message. It carries
// enough to reschedule the task without reloading the definition.
type FailurePayload struct {
	PipelineID      string         `json:"pipelineId"`
	StageName       string         `json:"stageName"`
	TaskIndex       int            `json:"taskIndex"`
	ActorType       string         `json:"actorType,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           FailureDetail  `json:"error"`
	Attempt         int            `json:"attempt,omitempty"`
	RetryAttempt    int            `json:"retryAttempt,omitempty"`
	RetryPolicy     *RetryPolicy   `json:"retryPolicy,omitempty"`
	WorkerID        string         `json:"workerId,omitempty"`
	LeaseID         string         `json:"leaseId,omitempty"`
	DeadLetterQueue string         `json:"deadLetterQueue,omitempty"`
}

// ControlMessage is the envelope on the pipeline-stage-results queue. Exactly
// one of Result/Failure is set, matching Type.
type ControlMessage struct {
	Type    string          `json:"type"`
	Result  *ResultPayload  `json:"result,omitempty"`
	Failure *FailurePayload `json:"failure,omitempty"`
}

// ApprovalNotification is published when an approval request is opened.
type ApprovalNotification struct {
	ApprovalID string         `json:"approvalId"`
	PipelineID string         `json:"pipelineId"`
	StageName  string         `json:"stageName"`
	AssignTo   string         `json:"assignTo,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// ApprovalDecisionEvent is published on the per-approval decision channel.
type ApprovalDecisionEvent struct {
	ApprovalID string         `json:"approvalId"`
	Decision   string         `json:"decision"`
	DecidedBy  string         `json:"decidedBy"`
	DecidedAt  time.Time      `json:"decidedAt"`
	Comment    string         `json:"comment,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Approval decision verbs.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)
