package storage

import (
	"time"

	"github.com/hulrap/agentflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations of the engine: the session
// state store for executions and step results, and the usage ledger.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Execution operations
	SaveExecution(e models.WorkflowExecution) error
	GetExecution(id string) (models.WorkflowExecution, error)
	UpdateExecutionStatus(id string, status models.ExecutionStatus, pauseReason, errorKind, errorMsg string) error
	UpdateExecutionProgress(id string, currentStep int, totalCost float64) error
	CompleteExecution(id string, finalOutput string, totalCost float64, completedAt time.Time) error
	ListExecutions(userID string) ([]models.WorkflowExecution, error)

	// Step result operations
	SaveStepResult(executionID string, r models.StepResult) error
	GetStepResults(executionID string) (map[string]models.StepResult, error)

	// Usage ledger operations
	GetUsageLimits(userID string) (models.UsageLimits, error)
	SaveUsageLimits(l models.UsageLimits) error
	GetUsageTotals(userID string, at time.Time) (models.UsageTotals, error)
	AddUsage(r models.UsageRecord) error
}
