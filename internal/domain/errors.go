// Package domain defines the entities, message formats, and ports of the
// pipeline orchestrator. It has no dependencies on adapters.
package domain

import "errors"

// Error taxonomy (sentinels)
var (
	// ErrConfiguration covers invalid definitions: duplicate stage names,
	// cyclic DAGs, unknown dependencies, invalid executor config.
	ErrConfiguration = errors.New("configuration error")
	// ErrExpression marks expression evaluation failures. Non-fatal at
	// dispatch: booleans coerce to false, path queries to nil.
	ErrExpression = errors.New("expression error")
	// ErrTaskExecution is a worker-reported task failure.
	ErrTaskExecution = errors.New("task execution failed")
	// ErrCircuitOpen means the breaker vetoed a stage dispatch.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrApprovalRejected is an explicit human rejection.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrApprovalTimeout is used internally by the approval wait loop.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrAlreadyDecided is returned when a decision is submitted for a
	// request that already reached a terminal status.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrCancelled short-circuits scheduling for a cancelled pipeline.
	ErrCancelled = errors.New("pipeline cancelled")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	// ErrStateStore and ErrTransport escalate infrastructure failures.
	ErrStateStore = errors.New("state store error")
	ErrTransport  = errors.New("transport error")
)
