package domain

import (
	"encoding/json"
	"fmt"
)

// StageMode selects the executor for a stage.
type StageMode string

// Stage execution modes.
const (
	ModeSingle        StageMode = "single"
	ModeScatter       StageMode = "scatter"
	ModeGather        StageMode = "gather"
	ModeBroadcast     StageMode = "broadcast"
	ModeForkJoin      StageMode = "fork-join"
	ModeHumanApproval StageMode = "human-approval"
	ModeMapReduce     StageMode = "map-reduce"
)

// PipelineDefinition is the submitted description of a pipeline: a name and
// an ordered list of stages. Stage order matters: a stage without explicit
// dependencies implicitly depends on its predecessor.
type PipelineDefinition struct {
	Name   string            `json:"name" validate:"required"`
	Stages []StageDefinition `json:"stages" validate:"required,min=1,dive"`
}

// StageDefinition describes one node of the pipeline DAG.
type StageDefinition struct {
	Name           string              `json:"name" validate:"required"`
	Mode           StageMode           `json:"mode" validate:"required,oneof=single scatter gather broadcast fork-join human-approval map-reduce"`
	Actor          *ActorRef           `json:"actor,omitempty"`
	Input          map[string]any      `json:"input,omitempty"`
	DependsOn      []string            `json:"dependsOn,omitempty"`
	Retry          *RetryPolicy        `json:"retry,omitempty"`
	CircuitBreaker *BreakerPolicy      `json:"circuitBreaker,omitempty"`
	Compensation   *CompensationSpec   `json:"compensation,omitempty"`
	HumanApproval  *ApprovalPolicy     `json:"humanApproval,omitempty"`
	Config         *StageConfig        `json:"config,omitempty"`
	Scatter        *ScatterSpec        `json:"scatter,omitempty"`
	Gather         *GatherSpec         `json:"gather,omitempty"`
	ExecutorConfig map[string]any      `json:"executorConfig,omitempty"`
}

// ActorRef is a tagged variant: a literal actor type, a ternary expression,
// or a condition list with a default. Exactly one form is set.
type ActorRef struct {
	Literal string
	Ternary string
	When    []ActorCondition
	Default string
}

// ActorCondition pairs a boolean expression with the actor chosen when it
// evaluates true.
type ActorCondition struct {
	Condition string `json:"condition"`
	Actor     string `json:"actor"`
}

// actorRefJSON is the object form of ActorRef on the wire.
type actorRefJSON struct {
	Expression string           `json:"expression,omitempty"`
	Conditions []ActorCondition `json:"conditions,omitempty"`
	Default    string           `json:"default,omitempty"`
}

// UnmarshalJSON accepts either a bare string (literal actor type) or an
// object with an expression or a condition list.
func (a *ActorRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = ActorRef{Literal: s}
		return nil
	}
	var obj actorRefJSON
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("op=domain.ActorRef: %w", err)
	}
	if len(obj.Conditions) > 0 {
		*a = ActorRef{When: obj.Conditions, Default: obj.Default}
		return nil
	}
	*a = ActorRef{Ternary: obj.Expression}
	return nil
}

// MarshalJSON emits the most compact form that round-trips.
func (a ActorRef) MarshalJSON() ([]byte, error) {
	if a.Literal != "" {
		return json.Marshal(a.Literal)
	}
	if len(a.When) > 0 {
		return json.Marshal(actorRefJSON{Conditions: a.When, Default: a.Default})
	}
	return json.Marshal(actorRefJSON{Expression: a.Ternary})
}

// IsZero reports whether no actor reference was provided.
func (a *ActorRef) IsZero() bool {
	return a == nil || (a.Literal == "" && a.Ternary == "" && len(a.When) == 0 && a.Default == "")
}

// BackoffKind enumerates the supported backoff curves.
type BackoffKind string

// Backoff curves.
const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// RetryPolicy drives task-level retries within one stage attempt. Durations
// are milliseconds on the wire so definitions stay language neutral.
type RetryPolicy struct {
	MaxAttempts int         `json:"maxAttempts"`
	Backoff     BackoffKind `json:"backoff,omitempty"`
	BaseDelayMs int64       `json:"baseDelayMs,omitempty"`
	MaxDelayMs  int64       `json:"maxDelayMs,omitempty"`
}

// BreakerPolicy configures the per-actor-type circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int   `json:"failureThreshold"`
	TimeoutMs        int64 `json:"timeoutMs"`
	HalfOpenRequests int   `json:"halfOpenRequests,omitempty"`
}

// CompensationSpec declares the saga "undo" action for a stage. Input values
// may be path expressions resolved against the stage's successful output.
type CompensationSpec struct {
	Actor string         `json:"actor" validate:"required"`
	Input map[string]any `json:"input,omitempty"`
}

// ApprovalFallback selects the behavior when an approval times out.
type ApprovalFallback string

// Approval timeout fallbacks.
const (
	FallbackAutoApprove ApprovalFallback = "auto-approve"
	FallbackAutoReject  ApprovalFallback = "auto-reject"
	FallbackEscalate    ApprovalFallback = "escalate"
)

// ApprovalPolicy configures a human-approval stage.
type ApprovalPolicy struct {
	AssignTo   string           `json:"assignTo,omitempty"`
	TimeoutMs  int64            `json:"timeoutMs"`
	Fallback   ApprovalFallback `json:"fallback,omitempty"`
	WebhookURL string           `json:"webhookUrl,omitempty"`
}

// StageConfig carries operational knobs shared by all modes.
type StageConfig struct {
	Concurrency     int          `json:"concurrency,omitempty"`
	LeaseTTLMs      int64        `json:"leaseTtlMs,omitempty"`
	InitialDelayMs  int64        `json:"initialDelayMs,omitempty"`
	DeadLetterQueue string       `json:"deadLetterQueue,omitempty"`
	Retry           *RetryPolicy `json:"retryPolicy,omitempty"`
}

// ScatterSpec fans a stage out over the elements of an input expression.
type ScatterSpec struct {
	Input     string `json:"input" validate:"required"`
	As        string `json:"as" validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// GatherCombine selects how multi-stage gather inputs are merged.
type GatherCombine string

// Gather combine modes.
const (
	CombineConcat GatherCombine = "concat"
	CombineObject GatherCombine = "object"
)

// GatherSpec collects the outputs of upstream stages into one or more tasks.
// Either Stage or Stages is set.
type GatherSpec struct {
	Stage   string        `json:"stage,omitempty"`
	Stages  []string      `json:"stages,omitempty"`
	GroupBy string        `json:"groupBy,omitempty"`
	Combine GatherCombine `json:"combine,omitempty"`
}

// SourceStages returns the gather sources as a list.
func (g *GatherSpec) SourceStages() []string {
	if g == nil {
		return nil
	}
	if len(g.Stages) > 0 {
		return g.Stages
	}
	if g.Stage != "" {
		return []string{g.Stage}
	}
	return nil
}

// StageByName returns the stage definition with the given name.
func (d *PipelineDefinition) StageByName(name string) (*StageDefinition, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// EffectiveRetry resolves the retry policy for a stage: the stage-level
// policy wins over the config-level one.
func (s *StageDefinition) EffectiveRetry() *RetryPolicy {
	if s.Retry != nil {
		return s.Retry
	}
	if s.Config != nil && s.Config.Retry != nil {
		return s.Config.Retry
	}
	return nil
}
