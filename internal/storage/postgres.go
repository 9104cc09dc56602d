package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// executionRow is the flat scan target for the executions table.
type executionRow struct {
	ID           string     `db:"id"`
	DefinitionID string     `db:"definition_id"`
	UserID       string     `db:"user_id"`
	Status       string     `db:"status"`
	CurrentStep  int        `db:"current_step"`
	InitialInput string     `db:"initial_input"`
	TotalCost    float64    `db:"total_cost"`
	FinalOutput  string     `db:"final_output"`
	PauseReason  string     `db:"pause_reason"`
	ErrorKind    string     `db:"error_kind"`
	ErrorMsg     string     `db:"error_msg"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r executionRow) toModel() models.WorkflowExecution {
	return models.WorkflowExecution{
		ID:           r.ID,
		DefinitionID: r.DefinitionID,
		UserID:       r.UserID,
		Status:       models.ExecutionStatus(r.Status),
		CurrentStep:  r.CurrentStep,
		InitialInput: r.InitialInput,
		TotalCost:    r.TotalCost,
		FinalOutput:  r.FinalOutput,
		PauseReason:  r.PauseReason,
		ErrorKind:    r.ErrorKind,
		ErrorMsg:     r.ErrorMsg,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// SaveExecution inserts a new execution record.
func (s *PostgresStore) SaveExecution(e models.WorkflowExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (id, definition_id, user_id, status, current_step, initial_input,
			total_cost, final_output, pause_reason, error_kind, error_msg, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.DefinitionID, e.UserID, e.Status, e.CurrentStep, e.InitialInput,
		e.TotalCost, e.FinalOutput, e.PauseReason, e.ErrorKind, e.ErrorMsg, e.CreatedAt, e.UpdatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID, including its step results.
func (s *PostgresStore) GetExecution(id string) (models.WorkflowExecution, error) {
	var row executionRow
	err := s.db.Get(&row, "SELECT * FROM executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	e := row.toModel()

	results, err := s.GetStepResults(id)
	if err != nil {
		return models.WorkflowExecution{}, fmt.Errorf("get execution %s: %w", id, err)
	}
	e.StepResults = results
	return e, nil
}

func (s *PostgresStore) UpdateExecutionStatus(id string, status models.ExecutionStatus, pauseReason, errorKind, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = $1, pause_reason = $2, error_kind = $3, error_msg = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5`,
		status, pauseReason, errorKind, errorMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateExecutionProgress(id string, currentStep int, totalCost float64) error {
	res, err := s.db.Exec(`
		UPDATE executions SET current_step = $1, total_cost = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3`,
		currentStep, totalCost, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) CompleteExecution(id string, finalOutput string, totalCost float64, completedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE executions
		SET status = $1, final_output = $2, total_cost = $3, completed_at = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5`,
		models.CompletedExecutionStatus, finalOutput, totalCost, completedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListExecutions(userID string) ([]models.WorkflowExecution, error) {
	rows := []executionRow{}
	var err error
	if userID == "" {
		err = s.db.Select(&rows, "SELECT * FROM executions ORDER BY created_at DESC")
	} else {
		err = s.db.Select(&rows, "SELECT * FROM executions WHERE user_id = $1 ORDER BY created_at DESC", userID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkflowExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

type stepResultRow struct {
	ExecutionID  string    `db:"execution_id"`
	StepID       string    `db:"step_id"`
	Content      string    `db:"content"`
	InputTokens  int       `db:"input_tokens"`
	OutputTokens int       `db:"output_tokens"`
	InputCost    float64   `db:"input_cost"`
	OutputCost   float64   `db:"output_cost"`
	TotalCost    float64   `db:"total_cost"`
	LatencyMS    int64     `db:"latency_ms"`
	FinishReason string    `db:"finish_reason"`
	CreatedAt    time.Time `db:"created_at"`
}

// SaveStepResult inserts a step result. Results are immutable: a second
// insert for the same (execution, step) pair is a conflict error.
func (s *PostgresStore) SaveStepResult(executionID string, r models.StepResult) error {
	_, err := s.db.Exec(`
		INSERT INTO step_results (execution_id, step_id, content, input_tokens, output_tokens,
			input_cost, output_cost, total_cost, latency_ms, finish_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		executionID, r.StepID, r.Content, r.Usage.InputTokens, r.Usage.OutputTokens,
		r.Cost.InputCost, r.Cost.OutputCost, r.Cost.TotalCost, r.LatencyMS, r.FinishReason, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save step result %s/%s: %w", executionID, r.StepID, err)
	}
	return nil
}

func (s *PostgresStore) GetStepResults(executionID string) (map[string]models.StepResult, error) {
	rows := []stepResultRow{}
	err := s.db.Select(&rows, "SELECT * FROM step_results WHERE execution_id = $1 ORDER BY created_at", executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.StepResult, len(rows))
	for _, r := range rows {
		out[r.StepID] = models.StepResult{
			StepID:       r.StepID,
			Content:      r.Content,
			Usage:        models.TokenUsage{InputTokens: r.InputTokens, OutputTokens: r.OutputTokens},
			Cost:         models.CostBreakdown{InputCost: r.InputCost, OutputCost: r.OutputCost, TotalCost: r.TotalCost},
			LatencyMS:    r.LatencyMS,
			FinishReason: r.FinishReason,
			CreatedAt:    r.CreatedAt,
		}
	}
	return out, nil
}

func (s *PostgresStore) GetUsageLimits(userID string) (models.UsageLimits, error) {
	var l models.UsageLimits
	err := s.db.Get(&l, "SELECT * FROM usage_limits WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return models.UsageLimits{}, storage.ErrNotFound
	}
	if err != nil {
		return models.UsageLimits{}, err
	}
	return l, nil
}

func (s *PostgresStore) SaveUsageLimits(l models.UsageLimits) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_limits (user_id, daily_limit_usd, monthly_limit_usd, warning_threshold, hard_stop, auto_pause, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			daily_limit_usd = EXCLUDED.daily_limit_usd,
			monthly_limit_usd = EXCLUDED.monthly_limit_usd,
			warning_threshold = EXCLUDED.warning_threshold,
			hard_stop = EXCLUDED.hard_stop,
			auto_pause = EXCLUDED.auto_pause,
			updated_at = CURRENT_TIMESTAMP`,
		l.UserID, l.DailyLimitUSD, l.MonthlyLimitUSD, l.WarningThreshold, l.HardStop, l.AutoPause)
	return err
}

// GetUsageTotals derives the running aggregates from the append-only
// ledger for the day and month containing at.
func (s *PostgresStore) GetUsageTotals(userID string, at time.Time) (models.UsageTotals, error) {
	totals := models.UsageTotals{UserID: userID}
	err := s.db.Get(&totals.DailyUSD, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		WHERE user_id = $1 AND recorded_at >= date_trunc('day', $2::timestamptz)
			AND recorded_at < date_trunc('day', $2::timestamptz) + interval '1 day'`,
		userID, at)
	if err != nil {
		return models.UsageTotals{}, err
	}
	err = s.db.Get(&totals.MonthlyUSD, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		WHERE user_id = $1 AND recorded_at >= date_trunc('month', $2::timestamptz)
			AND recorded_at < date_trunc('month', $2::timestamptz) + interval '1 month'`,
		userID, at)
	if err != nil {
		return models.UsageTotals{}, err
	}
	return totals, nil
}

// AddUsage appends a ledger record.
func (s *PostgresStore) AddUsage(r models.UsageRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_records (user_id, execution_id, step_id, cost_usd, input_tokens, output_tokens, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.UserID, r.ExecutionID, r.StepID, r.CostUSD, r.InputTokens, r.OutputTokens, r.RecordedAt)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
