// Package spend implements admission control against per-user usage
// limits and the serialization discipline around the usage ledger.
package spend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

// Built-in ceilings applied when a user has no stored limits. Absence of
// configuration must never mean unlimited spend.
const (
	DefaultDailyLimitUSD    = 10.0
	DefaultMonthlyLimitUSD  = 100.0
	DefaultWarningThreshold = 0.8
)

// Logger matches the logging interface the services use.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Decision is the outcome of an admission check. Denial is an expected
// control-flow result, not an error. AutoPause carries the user's
// preference for how a denial should land: pause the execution for a
// later resume, or fail it outright.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Warning   bool   `json:"warning,omitempty"`
	AutoPause bool   `json:"auto_pause,omitempty"`
}

// Guard answers the admission-control question for step execution and
// owns the per-user serialization point around the usage ledger.
//
// An allowed check reserves the estimated cost in-process until the
// caller settles it with RecordUsage or returns it with Release. Two
// concurrent check+record sequences for one user therefore can never
// both pass when their combined cost would exceed the limit: the second
// check sees the first one's reservation.
type Guard struct {
	store  storage.Store
	logger Logger
	now    func() time.Time

	mu       sync.Mutex
	reserved map[string]float64
}

func NewGuard(store storage.Store, logger Logger) *Guard {
	return &Guard{
		store:    store,
		logger:   logger,
		now:      time.Now,
		reserved: make(map[string]float64),
	}
}

// Limits returns the user's stored limits, or the built-in defaults when
// none are configured.
func (g *Guard) Limits(userID string) (models.UsageLimits, error) {
	limits, err := g.store.GetUsageLimits(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.UsageLimits{
			UserID:           userID,
			DailyLimitUSD:    DefaultDailyLimitUSD,
			MonthlyLimitUSD:  DefaultMonthlyLimitUSD,
			WarningThreshold: DefaultWarningThreshold,
			HardStop:         true,
			AutoPause:        true,
		}, nil
	}
	if err != nil {
		return models.UsageLimits{}, errors.Wrapf(err, "loading usage limits for user %s", userID)
	}
	return limits, nil
}

// CheckAdmission decides whether a step with the given estimated cost may
// proceed. When allowed, the estimate is reserved against the user until
// RecordUsage or Release settles it.
func (g *Guard) CheckAdmission(ctx context.Context, userID string, estimatedCost float64) (Decision, error) {
	limits, err := g.Limits(userID)
	if err != nil {
		return Decision{}, err
	}
	totals, err := g.store.GetUsageTotals(userID, g.now())
	if err != nil {
		return Decision{}, errors.Wrapf(err, "loading usage totals for user %s", userID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	projectedDaily := totals.DailyUSD + g.reserved[userID] + estimatedCost
	projectedMonthly := totals.MonthlyUSD + g.reserved[userID] + estimatedCost

	if limits.HardStop {
		if projectedDaily > limits.DailyLimitUSD {
			return Decision{
				Allowed:   false,
				AutoPause: limits.AutoPause,
				Reason: fmt.Sprintf("daily limit exceeded: $%.4f spent + $%.4f estimated > $%.2f limit",
					totals.DailyUSD+g.reserved[userID], estimatedCost, limits.DailyLimitUSD),
			}, nil
		}
		if projectedMonthly > limits.MonthlyLimitUSD {
			return Decision{
				Allowed:   false,
				AutoPause: limits.AutoPause,
				Reason: fmt.Sprintf("monthly limit exceeded: $%.4f spent + $%.4f estimated > $%.2f limit",
					totals.MonthlyUSD+g.reserved[userID], estimatedCost, limits.MonthlyLimitUSD),
			}, nil
		}
	}

	warning := limits.DailyLimitUSD > 0 && projectedDaily >= limits.WarningThreshold*limits.DailyLimitUSD
	if warning {
		g.logger.Infof("User %s crossed %.0f%% of daily spend limit", userID, limits.WarningThreshold*100)
	}

	g.reserved[userID] += estimatedCost
	return Decision{Allowed: true, Warning: warning}, nil
}

// RecordUsage appends a ledger entry for an executed step and settles the
// reservation taken at admission time. Append-only: aggregates are
// derived from the ledger, never rewritten.
func (g *Guard) RecordUsage(ctx context.Context, rec models.UsageRecord, reservedCost float64) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = g.now()
	}
	// The reservation must not outlive the step: settle it even when the
	// ledger write fails, the caller marks the execution failed then.
	defer g.settle(rec.UserID, reservedCost)
	if err := g.store.AddUsage(rec); err != nil {
		return errors.Wrapf(err, "recording usage for user %s", rec.UserID)
	}
	return nil
}

// Release returns a reservation without recording usage, for steps that
// were admitted but whose provider call failed.
func (g *Guard) Release(userID string, reservedCost float64) {
	g.settle(userID, reservedCost)
}

func (g *Guard) settle(userID string, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserved[userID] -= amount
	if g.reserved[userID] <= 0 {
		delete(g.reserved, userID)
	}
}

// Totals reports the user's current daily and monthly spend.
func (g *Guard) Totals(userID string) (models.UsageTotals, error) {
	return g.store.GetUsageTotals(userID, g.now())
}
