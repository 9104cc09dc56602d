package models

import (
	"strconv"
	"time"
)

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "pending"
	RunningExecutionStatus   ExecutionStatus = "running"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
	PausedExecutionStatus    ExecutionStatus = "paused"
	CancelledExecutionStatus ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case CompletedExecutionStatus, FailedExecutionStatus, CancelledExecutionStatus:
		return true
	}
	return false
}

// Valid reports whether s is one of the known execution statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case PendingExecutionStatus, RunningExecutionStatus, CompletedExecutionStatus,
		FailedExecutionStatus, PausedExecutionStatus, CancelledExecutionStatus:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status transition.
// Paused is the only state a running execution can leave and re-enter.
func CanTransition(from, to ExecutionStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case PendingExecutionStatus:
		return to == RunningExecutionStatus || to == CancelledExecutionStatus || to == FailedExecutionStatus
	case RunningExecutionStatus:
		return to == CompletedExecutionStatus || to == FailedExecutionStatus ||
			to == PausedExecutionStatus || to == CancelledExecutionStatus
	case PausedExecutionStatus:
		return to == RunningExecutionStatus || to == CancelledExecutionStatus || to == FailedExecutionStatus
	}
	return false
}

// TokenUsage is the provider-reported (or estimated) token count of one step.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CostBreakdown splits a step's cost into its input and output parts.
type CostBreakdown struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
}

// StepResult is the recorded outcome of one executed step. Immutable once
// written; owned by the execution that produced it.
type StepResult struct {
	StepID       string        `json:"step_id"`
	Content      string        `json:"content"`
	Usage        TokenUsage    `json:"usage"`
	Cost         CostBreakdown `json:"cost"`
	LatencyMS    int64         `json:"latency_ms"`
	FinishReason string        `json:"finish_reason"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Field resolves a named field of the result for prompt interpolation.
// Unknown names report false so the caller can leave the placeholder as-is.
func (r StepResult) Field(name string) (string, bool) {
	switch name {
	case "content":
		return r.Content, true
	case "finish_reason":
		return r.FinishReason, true
	case "input_tokens":
		return strconv.Itoa(r.Usage.InputTokens), true
	case "output_tokens":
		return strconv.Itoa(r.Usage.OutputTokens), true
	case "cost":
		return strconv.FormatFloat(r.Cost.TotalCost, 'f', -1, 64), true
	case "latency_ms":
		return strconv.FormatInt(r.LatencyMS, 10), true
	}
	return "", false
}

// WorkflowExecution is a stateful, resumable run of a definition for one
// user. Persisted between orchestrator invocations; retained for audit.
type WorkflowExecution struct {
	ID           string                `json:"id" db:"id"`
	DefinitionID string                `json:"definition_id" db:"definition_id"`
	UserID       string                `json:"user_id" db:"user_id"`
	Status       ExecutionStatus       `json:"status" db:"status"`
	CurrentStep  int                   `json:"current_step" db:"current_step"`
	InitialInput string                `json:"initial_input" db:"initial_input"`
	StepResults  map[string]StepResult `json:"step_results,omitempty"`
	TotalCost    float64               `json:"total_cost" db:"total_cost"`
	FinalOutput  string                `json:"final_output,omitempty" db:"final_output"`
	PauseReason  string                `json:"pause_reason,omitempty" db:"pause_reason"`
	ErrorKind    string                `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMsg     string                `json:"error,omitempty" db:"error_msg"`
	CreatedAt    time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at" db:"updated_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
}

// Progress returns the completion percentage given the definition's step count.
func (e WorkflowExecution) Progress(totalSteps int) float64 {
	if totalSteps <= 0 {
		return 0
	}
	return float64(e.CurrentStep) / float64(totalSteps) * 100
}
