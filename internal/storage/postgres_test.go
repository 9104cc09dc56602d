package storage_test

import (
	"testing"
	"time"

	internal_storage "github.com/hulrap/agentflow/internal/storage"
	"github.com/hulrap/agentflow/internal/testutil"
	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	newExecution := func(id string) models.WorkflowExecution {
		now := time.Now().UTC().Truncate(time.Millisecond)
		return models.WorkflowExecution{
			ID:           id,
			DefinitionID: "research-pipeline",
			UserID:       "alice",
			Status:       models.PendingExecutionStatus,
			InitialInput: "the topic",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	t.Run("SaveAndGetExecution", func(t *testing.T) {
		store := newTxStore(t)
		exec := newExecution("exec-1")
		assert.NoError(t, store.SaveExecution(exec))

		loaded, err := store.GetExecution("exec-1")
		assert.NoError(t, err)
		assert.Equal(t, exec.DefinitionID, loaded.DefinitionID)
		assert.Equal(t, exec.UserID, loaded.UserID)
		assert.Equal(t, models.PendingExecutionStatus, loaded.Status)
		assert.Equal(t, "the topic", loaded.InitialInput)
		assert.Empty(t, loaded.StepResults)
		assert.Nil(t, loaded.CompletedAt)
	})

	t.Run("GetNonExistingExecution", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetExecution("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateExecutionStatus", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-2")))

		err := store.UpdateExecutionStatus("exec-2", models.PausedExecutionStatus, "daily limit exceeded", "", "")
		assert.NoError(t, err)

		loaded, err := store.GetExecution("exec-2")
		assert.NoError(t, err)
		assert.Equal(t, models.PausedExecutionStatus, loaded.Status)
		assert.Equal(t, "daily limit exceeded", loaded.PauseReason)
	})

	t.Run("UpdateStatusOfNonExistingExecution", func(t *testing.T) {
		store := newTxStore(t)
		err := store.UpdateExecutionStatus("missing", models.FailedExecutionStatus, "", "provider_error", "boom")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateExecutionProgress", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-3")))

		assert.NoError(t, store.UpdateExecutionProgress("exec-3", 2, 0.0125))

		loaded, err := store.GetExecution("exec-3")
		assert.NoError(t, err)
		assert.Equal(t, 2, loaded.CurrentStep)
		assert.InDelta(t, 0.0125, loaded.TotalCost, 1e-9)
	})

	t.Run("CompleteExecution", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-4")))

		completedAt := time.Now().UTC().Truncate(time.Millisecond)
		assert.NoError(t, store.CompleteExecution("exec-4", "final text", 0.02, completedAt))

		loaded, err := store.GetExecution("exec-4")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedExecutionStatus, loaded.Status)
		assert.Equal(t, "final text", loaded.FinalOutput)
		assert.NotNil(t, loaded.CompletedAt)
	})

	t.Run("ListExecutions", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-5")))
		bob := newExecution("exec-6")
		bob.UserID = "bob"
		assert.NoError(t, store.SaveExecution(bob))

		all, err := store.ListExecutions("")
		assert.NoError(t, err)
		assert.Len(t, all, 2)

		onlyBob, err := store.ListExecutions("bob")
		assert.NoError(t, err)
		assert.Len(t, onlyBob, 1)
		assert.Equal(t, "exec-6", onlyBob[0].ID)
	})

	t.Run("SaveAndGetStepResults", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-7")))

		result := models.StepResult{
			StepID:       "research",
			Content:      "findings",
			Usage:        models.TokenUsage{InputTokens: 100, OutputTokens: 200},
			Cost:         models.CostBreakdown{InputCost: 0.001, OutputCost: 0.004, TotalCost: 0.005},
			LatencyMS:    850,
			FinishReason: "stop",
			CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		}
		assert.NoError(t, store.SaveStepResult("exec-7", result))

		loaded, err := store.GetExecution("exec-7")
		assert.NoError(t, err)
		assert.Len(t, loaded.StepResults, 1)
		saved := loaded.StepResults["research"]
		assert.Equal(t, "findings", saved.Content)
		assert.Equal(t, 100, saved.Usage.InputTokens)
		assert.InDelta(t, 0.005, saved.Cost.TotalCost, 1e-9)
		assert.Equal(t, "stop", saved.FinishReason)
	})

	t.Run("StepResultsAreImmutable", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-8")))

		result := models.StepResult{StepID: "research", Content: "first", CreatedAt: time.Now()}
		assert.NoError(t, store.SaveStepResult("exec-8", result))

		result.Content = "second"
		assert.Error(t, store.SaveStepResult("exec-8", result))
	})

	t.Run("UsageLimitsUpsert", func(t *testing.T) {
		store := newTxStore(t)

		_, err := store.GetUsageLimits("alice")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		limits := models.UsageLimits{
			UserID:        "alice",
			DailyLimitUSD: 5, MonthlyLimitUSD: 50,
			WarningThreshold: 0.8, HardStop: true, AutoPause: true,
		}
		assert.NoError(t, store.SaveUsageLimits(limits))

		loaded, err := store.GetUsageLimits("alice")
		assert.NoError(t, err)
		assert.Equal(t, 5.0, loaded.DailyLimitUSD)

		limits.DailyLimitUSD = 7
		assert.NoError(t, store.SaveUsageLimits(limits))

		loaded, err = store.GetUsageLimits("alice")
		assert.NoError(t, err)
		assert.Equal(t, 7.0, loaded.DailyLimitUSD)
	})

	t.Run("UsageTotalsWindows", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveExecution(newExecution("exec-9")))

		now := time.Now().UTC()
		records := []models.UsageRecord{
			{UserID: "alice", ExecutionID: "exec-9", StepID: "a", CostUSD: 0.10, RecordedAt: now},
			{UserID: "alice", ExecutionID: "exec-9", StepID: "b", CostUSD: 0.20, RecordedAt: now.Add(-48 * time.Hour)},
			{UserID: "alice", ExecutionID: "exec-9", StepID: "c", CostUSD: 0.40, RecordedAt: now.AddDate(0, -2, 0)},
			{UserID: "bob", ExecutionID: "exec-9", StepID: "d", CostUSD: 0.80, RecordedAt: now},
		}
		for _, r := range records {
			assert.NoError(t, store.AddUsage(r))
		}

		totals, err := store.GetUsageTotals("alice", now)
		assert.NoError(t, err)
		assert.InDelta(t, 0.10, totals.DailyUSD, 1e-9)
		// The 48h-old record may fall outside the current month near its
		// start; it always falls outside the current day.
		assert.GreaterOrEqual(t, totals.MonthlyUSD, 0.10-1e-9)
		assert.Less(t, totals.MonthlyUSD, 0.40)
	})
}
