package models

import "time"

// UsageLimits holds a user's spend ceilings. Created with defaults on
// first use; the guard substitutes built-in ceilings when no row exists,
// so absent configuration never means unlimited spend.
type UsageLimits struct {
	UserID           string    `json:"user_id" db:"user_id"`
	DailyLimitUSD    float64   `json:"daily_limit_usd" db:"daily_limit_usd"`
	MonthlyLimitUSD  float64   `json:"monthly_limit_usd" db:"monthly_limit_usd"`
	WarningThreshold float64   `json:"warning_threshold" db:"warning_threshold"`
	HardStop         bool      `json:"hard_stop" db:"hard_stop"`
	AutoPause        bool      `json:"auto_pause" db:"auto_pause"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// UsageRecord is one append-only ledger entry for a step execution.
type UsageRecord struct {
	ID           int64     `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	ExecutionID  string    `json:"execution_id" db:"execution_id"`
	StepID       string    `json:"step_id" db:"step_id"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	RecordedAt   time.Time `json:"recorded_at" db:"recorded_at"`
}

// UsageTotals are the running spend aggregates for a user, derived from
// the ledger for the day/month containing the query time.
type UsageTotals struct {
	UserID     string  `json:"user_id" db:"user_id"`
	DailyUSD   float64 `json:"daily_usd" db:"daily_usd"`
	MonthlyUSD float64 `json:"monthly_usd" db:"monthly_usd"`
}
