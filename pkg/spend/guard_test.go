package spend_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/spend"
	"github.com/hulrap/agentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type noopLogger struct{}

func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

func newGuard(t *testing.T) (*spend.Guard, storage.Store) {
	store := storage.NewMockStore()
	return spend.NewGuard(store, noopLogger{}), store
}

func recordSpend(t *testing.T, store storage.Store, userID string, cost float64) {
	t.Helper()
	err := store.AddUsage(models.UsageRecord{
		UserID:     userID,
		CostUSD:    cost,
		RecordedAt: time.Now(),
	})
	assert.NoError(t, err)
}

func TestGuardLimits(t *testing.T) {
	t.Run("DefaultsWhenUnconfigured", func(t *testing.T) {
		guard, _ := newGuard(t)
		limits, err := guard.Limits("nobody")
		assert.NoError(t, err)
		assert.Equal(t, spend.DefaultDailyLimitUSD, limits.DailyLimitUSD)
		assert.Equal(t, spend.DefaultMonthlyLimitUSD, limits.MonthlyLimitUSD)
		assert.Equal(t, spend.DefaultWarningThreshold, limits.WarningThreshold)
		assert.True(t, limits.HardStop)
		assert.True(t, limits.AutoPause)
	})

	t.Run("StoredLimitsWin", func(t *testing.T) {
		guard, store := newGuard(t)
		assert.NoError(t, store.SaveUsageLimits(models.UsageLimits{
			UserID:        "alice",
			DailyLimitUSD: 2.5, MonthlyLimitUSD: 50,
			WarningThreshold: 0.9, HardStop: true,
		}))
		limits, err := guard.Limits("alice")
		assert.NoError(t, err)
		assert.Equal(t, 2.5, limits.DailyLimitUSD)
	})
}

func TestCheckAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("AllowedUnderLimit", func(t *testing.T) {
		guard, _ := newGuard(t)
		d, err := guard.CheckAdmission(ctx, "alice", 0.05)
		assert.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Warning)
		assert.Empty(t, d.Reason)
	})

	t.Run("DeniedWhenProjectedOverDailyLimit", func(t *testing.T) {
		guard, store := newGuard(t)
		recordSpend(t, store, "alice", 9.99)
		d, err := guard.CheckAdmission(ctx, "alice", 0.05)
		assert.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "daily limit exceeded")
	})

	t.Run("AllowedExactlyAtLimit", func(t *testing.T) {
		guard, store := newGuard(t)
		recordSpend(t, store, "alice", 9.95)
		d, err := guard.CheckAdmission(ctx, "alice", 0.05)
		assert.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("DeniedWhenProjectedOverMonthlyLimit", func(t *testing.T) {
		guard, store := newGuard(t)
		assert.NoError(t, store.SaveUsageLimits(models.UsageLimits{
			UserID:        "bob",
			DailyLimitUSD: 100, MonthlyLimitUSD: 5,
			WarningThreshold: 0.8, HardStop: true,
		}))
		recordSpend(t, store, "bob", 4.99)
		d, err := guard.CheckAdmission(ctx, "bob", 0.05)
		assert.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "monthly limit exceeded")
	})

	t.Run("SoftLimitsNeverDeny", func(t *testing.T) {
		guard, store := newGuard(t)
		assert.NoError(t, store.SaveUsageLimits(models.UsageLimits{
			UserID:        "carol",
			DailyLimitUSD: 1, MonthlyLimitUSD: 1,
			WarningThreshold: 0.8, HardStop: false,
		}))
		recordSpend(t, store, "carol", 50)
		d, err := guard.CheckAdmission(ctx, "carol", 10)
		assert.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("WarningWhenCrossingThreshold", func(t *testing.T) {
		guard, store := newGuard(t)
		recordSpend(t, store, "alice", 7.99)
		d, err := guard.CheckAdmission(ctx, "alice", 0.05)
		assert.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Warning)
	})

	t.Run("DenialCarriesAutoPausePreference", func(t *testing.T) {
		guard, store := newGuard(t)
		assert.NoError(t, store.SaveUsageLimits(models.UsageLimits{
			UserID:        "dave",
			DailyLimitUSD: 1, MonthlyLimitUSD: 100,
			WarningThreshold: 0.8, HardStop: true, AutoPause: false,
		}))
		recordSpend(t, store, "dave", 1.5)
		d, err := guard.CheckAdmission(ctx, "dave", 0.1)
		assert.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.False(t, d.AutoPause)

		// Default limits prefer pausing.
		recordSpend(t, store, "erin", 20)
		d, err = guard.CheckAdmission(ctx, "erin", 0.1)
		assert.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.AutoPause)
	})

	t.Run("ReservationCountsAgainstNextCheck", func(t *testing.T) {
		guard, store := newGuard(t)
		recordSpend(t, store, "alice", 9.0)

		first, err := guard.CheckAdmission(ctx, "alice", 0.6)
		assert.NoError(t, err)
		assert.True(t, first.Allowed)

		// Still unsettled: 9.0 spent + 0.6 reserved + 0.6 estimated > 10.
		second, err := guard.CheckAdmission(ctx, "alice", 0.6)
		assert.NoError(t, err)
		assert.False(t, second.Allowed)

		// Release frees the reservation again.
		guard.Release("alice", 0.6)
		third, err := guard.CheckAdmission(ctx, "alice", 0.6)
		assert.NoError(t, err)
		assert.True(t, third.Allowed)
	})

	t.Run("ConcurrentChecksAdmitAtMostOne", func(t *testing.T) {
		guard, store := newGuard(t)
		recordSpend(t, store, "alice", 9.5)

		const workers = 8
		var wg sync.WaitGroup
		allowed := make([]bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, err := guard.CheckAdmission(ctx, "alice", 0.4)
				assert.NoError(t, err)
				allowed[i] = d.Allowed
			}(i)
		}
		wg.Wait()

		admitted := 0
		for _, ok := range allowed {
			if ok {
				admitted++
			}
		}
		assert.Equal(t, 1, admitted)
	})
}

// TestAdmissionProjection checks the admission predicate over randomized
// (limit, spent, estimate) triples: a hard-stop user is admitted exactly
// when spent + estimate stays within the daily limit.
func TestAdmissionProjection(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		guard, store := newGuard(t)
		limit := rng.Float64() * 20
		spent := rng.Float64() * 20
		estimate := rng.Float64() * 5
		assert.NoError(t, store.SaveUsageLimits(models.UsageLimits{
			UserID:        "alice",
			DailyLimitUSD: limit, MonthlyLimitUSD: 1000,
			WarningThreshold: 0.8, HardStop: true, AutoPause: true,
		}))
		recordSpend(t, store, "alice", spent)

		d, err := guard.CheckAdmission(ctx, "alice", estimate)
		assert.NoError(t, err)
		want := spent+estimate <= limit
		assert.Equalf(t, want, d.Allowed,
			"limit=%.6f spent=%.6f estimate=%.6f", limit, spent, estimate)
	}
}

// failingLedger rejects every usage write, leaving the rest of the
// store working.
type failingLedger struct {
	storage.Store
}

func (failingLedger) AddUsage(models.UsageRecord) error {
	return errors.New("ledger unavailable")
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendsLedgerAndSettles", func(t *testing.T) {
		guard, _ := newGuard(t)
		d, err := guard.CheckAdmission(ctx, "alice", 0.5)
		assert.NoError(t, err)
		assert.True(t, d.Allowed)

		err = guard.RecordUsage(ctx, models.UsageRecord{
			UserID: "alice", ExecutionID: "exec-1", StepID: "research",
			CostUSD: 0.3, InputTokens: 100, OutputTokens: 200,
		}, 0.5)
		assert.NoError(t, err)

		totals, err := guard.Totals("alice")
		assert.NoError(t, err)
		assert.InDelta(t, 0.3, totals.DailyUSD, 1e-9)
		assert.InDelta(t, 0.3, totals.MonthlyUSD, 1e-9)

		// The reservation is settled: only the actual cost counts now.
		next, err := guard.CheckAdmission(ctx, "alice", 9.5)
		assert.NoError(t, err)
		assert.True(t, next.Allowed)
	})

	t.Run("SettlesReservationWhenLedgerWriteFails", func(t *testing.T) {
		guard := spend.NewGuard(failingLedger{storage.NewMockStore()}, noopLogger{})
		d, err := guard.CheckAdmission(ctx, "alice", 0.5)
		assert.NoError(t, err)
		assert.True(t, d.Allowed)

		err = guard.RecordUsage(ctx, models.UsageRecord{
			UserID: "alice", ExecutionID: "exec-1", StepID: "research",
			CostUSD: 0.3,
		}, 0.5)
		assert.Error(t, err)

		// The failed write must not strand the reservation: nothing was
		// recorded, so nearly the whole limit is still admissible.
		next, err := guard.CheckAdmission(ctx, "alice", 9.6)
		assert.NoError(t, err)
		assert.True(t, next.Allowed)
	})

	t.Run("TotalsAccumulateAcrossSteps", func(t *testing.T) {
		guard, _ := newGuard(t)
		for i, cost := range []float64{0.1, 0.2, 0.3} {
			err := guard.RecordUsage(ctx, models.UsageRecord{
				UserID: "bob", ExecutionID: "exec-1", StepID: string(rune('a' + i)),
				CostUSD: cost,
			}, 0)
			assert.NoError(t, err)
		}
		totals, err := guard.Totals("bob")
		assert.NoError(t, err)
		assert.InDelta(t, 0.6, totals.DailyUSD, 1e-9)
	})
}
