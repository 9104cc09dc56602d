package storage

import (
	"sync"
	"time"

	"github.com/hulrap/agentflow/pkg/models"
)

// mockStore implements Store with in-memory maps. Safe for concurrent use
// so parallel step waves and admission tests can share one instance.
type mockStore struct {
	mu          sync.Mutex
	executions  map[string]models.WorkflowExecution
	stepResults map[string]map[string]models.StepResult
	limits      map[string]models.UsageLimits
	usage       []models.UsageRecord
	nextUsageID int64
}

func NewMockStore() Store {
	return &mockStore{
		executions:  make(map[string]models.WorkflowExecution),
		stepResults: make(map[string]map[string]models.StepResult),
		limits:      make(map[string]models.UsageLimits),
	}
}

// Begin returns the store itself; the mock applies writes immediately.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveExecution(e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e
	return nil
}

func (m *mockStore) GetExecution(id string) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.WorkflowExecution{}, ErrNotFound
	}
	e.StepResults = m.copyResults(id)
	return e, nil
}

func (m *mockStore) copyResults(executionID string) map[string]models.StepResult {
	out := make(map[string]models.StepResult, len(m.stepResults[executionID]))
	for k, v := range m.stepResults[executionID] {
		out[k] = v
	}
	return out
}

func (m *mockStore) UpdateExecutionStatus(id string, status models.ExecutionStatus, pauseReason, errorKind, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.PauseReason = pauseReason
	e.ErrorKind = errorKind
	e.ErrorMsg = errorMsg
	e.UpdatedAt = time.Now()
	m.executions[id] = e
	return nil
}

func (m *mockStore) UpdateExecutionProgress(id string, currentStep int, totalCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.CurrentStep = currentStep
	e.TotalCost = totalCost
	e.UpdatedAt = time.Now()
	m.executions[id] = e
	return nil
}

func (m *mockStore) CompleteExecution(id string, finalOutput string, totalCost float64, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = models.CompletedExecutionStatus
	e.FinalOutput = finalOutput
	e.TotalCost = totalCost
	e.CompletedAt = &completedAt
	e.UpdatedAt = time.Now()
	m.executions[id] = e
	return nil
}

func (m *mockStore) ListExecutions(userID string) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowExecution
	for id, e := range m.executions {
		if userID == "" || e.UserID == userID {
			e.StepResults = m.copyResults(id)
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) SaveStepResult(executionID string, r models.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[executionID]; !ok {
		return ErrNotFound
	}
	if m.stepResults[executionID] == nil {
		m.stepResults[executionID] = make(map[string]models.StepResult)
	}
	m.stepResults[executionID][r.StepID] = r
	return nil
}

func (m *mockStore) GetStepResults(executionID string) (map[string]models.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyResults(executionID), nil
}

func (m *mockStore) GetUsageLimits(userID string) (models.UsageLimits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limits[userID]
	if !ok {
		return models.UsageLimits{}, ErrNotFound
	}
	return l, nil
}

func (m *mockStore) SaveUsageLimits(l models.UsageLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.UpdatedAt = time.Now()
	m.limits[l.UserID] = l
	return nil
}

func (m *mockStore) GetUsageTotals(userID string, at time.Time) (models.UsageTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := models.UsageTotals{UserID: userID}
	y, mo, d := at.Date()
	for _, r := range m.usage {
		if r.UserID != userID {
			continue
		}
		ry, rmo, rd := r.RecordedAt.Date()
		if ry == y && rmo == mo {
			totals.MonthlyUSD += r.CostUSD
			if rd == d {
				totals.DailyUSD += r.CostUSD
			}
		}
	}
	return totals, nil
}

func (m *mockStore) AddUsage(r models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUsageID++
	r.ID = m.nextUsageID
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	m.usage = append(m.usage, r)
	return nil
}
