package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soilsync/vegbox/closure"
	"github.com/soilsync/vegbox/customer"
	"github.com/soilsync/vegbox/dunning"
	"github.com/soilsync/vegbox/gateway"
	"github.com/soilsync/vegbox/ledger"
	"github.com/soilsync/vegbox/notify"
	"github.com/soilsync/vegbox/subscription"
)

// DunningOptions describes the dependencies of the dunning sweep
type DunningOptions struct {
	Store    Store
	Gateway  gateway.Gateway
	Recorder ledger.Recorder
	Notifier notify.Notifier
	Calendar closure.Calendar
	Policy   dunning.Policy
	Admin    customer.Ref
	Logger   *zap.Logger
	Workers  int
}

// Dunning retries failed charges on the backoff schedule and moves
// exhausted subscriptions into their grace period.
type Dunning struct {
	DunningOptions
}

// NewDunning returns the dunning sweep
func NewDunning(option DunningOptions) (*Dunning, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Recorder == nil {
		return nil, fmt.Errorf("nil Recorder is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.Calendar.Validate(); err != nil {
		return nil, err
	}
	if option.Workers < 1 {
		option.Workers = defaultWorkers
	}
	return &Dunning{
		DunningOptions: option,
	}, nil
}

// RunSweep retries every subscription whose backoff delay has elapsed
func (t *Dunning) RunSweep(ctx context.Context, now time.Time, dryRun bool) (Summary, error) {
	candidates, err := t.Store.ReadyForRetry(ctx, now, t.Policy.MaxRetries)
	if err != nil {
		return Summary{}, err
	}

	col := newCollector("dunning", now, len(candidates), dryRun)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(t.Workers)
	for _, candidate := range candidates {
		id := candidate.ID
		group.Go(func() error {
			defer recoverWorker(t.Logger, id)
			t.processOne(groupCtx, now, id, dryRun, col)
			return nil
		})
	}
	group.Wait()

	summary := col.snapshot()
	t.Logger.Info("Dunning sweep complete",
		zap.Bool("DryRun", dryRun),
		zap.Int("Candidates", summary.Candidates),
		zap.Int("Recovered", summary.Successful),
		zap.Int("Failed", summary.Failed),
		zap.Int("Skipped", summary.Skipped),
		zap.String("RecoveredRevenue", summary.TotalRevenue.String()),
	)
	if !dryRun && summary.Candidates > 0 {
		dispatchNotification(ctx, t.Notifier, t.Logger, summaryEvent(t.Admin, now, summary))
	}
	return summary, nil
}

// RunOne force-runs a retry for a single subscription id
func (t *Dunning) RunOne(ctx context.Context, now time.Time, id string, dryRun bool) (Summary, error) {
	col := newCollector("dunning", now, 1, dryRun)
	t.processOne(ctx, now, id, dryRun, col)
	return col.snapshot(), nil
}

type dunningOutcome struct {
	recovered     bool
	amount        decimal.Decimal
	transactionID string
	failedKind    notify.Kind
	failedCount   int
	enteredGrace  bool
	errMsg        string
	skipReason    string
}

func (t *Dunning) processOne(ctx context.Context, now time.Time, id string, dryRun bool, col *collector) {
	logger := t.Logger.With(zap.String("SubscriptionID", id))

	if dryRun {
		t.dryRunOne(ctx, now, id, col, logger)
		return
	}

	var outcome dunningOutcome
	var snapshot subscription.Subscription

	_, err := t.Store.LambdaUpdate(ctx, id, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			outcome.skipReason = "no longer exists"
			return false
		}
		snapshot = *current
		if reason := t.notRetryable(current, now); reason != "" {
			outcome.skipReason = reason
			return false
		}

		result, chargeErr := t.Gateway.Charge(ctx, current.Subscriber, current.EffectivePrice(), current.Currency)
		if chargeErr != nil {
			logger.Error("Gateway call failed",
				zap.Error(chargeErr),
			)
		}
		if result.Success {
			desired.MarkRecovered(now)
			// the original attempt never advanced the cycle, so a stale
			// next billing date means this charge pays for it
			if desired.NextBillingAt == nil || !desired.NextBillingAt.After(now) {
				base := now
				if desired.NextBillingAt != nil {
					base = *desired.NextBillingAt
				}
				next := subscription.NextBillingDate(base, desired.BillingPeriod, desired.BillingFrequency)
				adjusted, deferred := t.Calendar.AdjustBillingDate(next)
				desired.NextBillingAt = &adjusted
				desired.EndsAt = &adjusted
				if deferred {
					desired.DeferForClosure(adjusted)
				}
			}
			outcome.recovered = true
			outcome.amount = current.EffectivePrice()
			outcome.transactionID = result.TransactionID
			return true
		}

		outcome.errMsg = result.ErrorMessage
		if outcome.errMsg == "" {
			outcome.errMsg = "payment processing failed"
		}
		outcome.failedKind = applyFailure(desired, now, outcome.errMsg, t.Policy)
		outcome.failedCount = desired.FailedPaymentCount
		outcome.enteredGrace = desired.GracePeriodEndsAt != nil
		return true
	})
	if err != nil {
		logger.Error("Cannot update subscription during dunning",
			zap.Error(err),
		)
		col.failure(&subscription.Subscription{ID: id}, err.Error())
		return
	}

	switch {
	case outcome.skipReason != "":
		logger.Info("Skipping subscription",
			zap.String("Reason", outcome.skipReason),
		)
		col.skip()
	case outcome.recovered:
		logger.Info("Recovered subscription after retry")
		col.success(outcome.amount)
		if recErr := t.Recorder.RecordRenewal(ctx, id, outcome.transactionID, outcome.amount); recErr != nil {
			logger.Warn("Unable to record recovery in ledger",
				zap.Error(recErr),
			)
		}
	default:
		if outcome.enteredGrace {
			logger.Warn("Retries exhausted, subscription entered grace period",
				zap.Int("Attempts", outcome.failedCount),
			)
		}
		col.failure(&snapshot, outcome.errMsg)
		dispatchNotification(ctx, t.Notifier, t.Logger, newEvent(outcome.failedKind, &snapshot, now, attemptCycle(outcome.failedCount), map[string]interface{}{
			"attempt": outcome.failedCount,
			"error":   outcome.errMsg,
		}))
	}
}

// notRetryable re-checks eligibility under the lock
func (t *Dunning) notRetryable(sub *subscription.Subscription, now time.Time) string {
	if sub.IsCanceled() {
		return "already cancelled"
	}
	if sub.FailedPaymentCount == 0 {
		return "already recovered"
	}
	if sub.GracePeriodEndsAt != nil {
		// retries exhausted; only the subscriber fixing their payment
		// method can save this one now
		return "in grace period"
	}
	if sub.NextRetryAt != nil && sub.NextRetryAt.After(now) {
		return "backoff not elapsed"
	}
	return ""
}

func (t *Dunning) dryRunOne(ctx context.Context, now time.Time, id string, col *collector, logger *zap.Logger) {
	sub, err := t.Store.GetByID(ctx, id)
	if err != nil {
		col.failure(&subscription.Subscription{ID: id}, err.Error())
		return
	}
	if sub == nil {
		col.skip()
		return
	}
	if reason := t.notRetryable(sub, now); reason != "" {
		logger.Info("Dry run: would skip",
			zap.String("Reason", reason),
		)
		col.skip()
		return
	}
	logger.Info("Dry run: would retry charge",
		zap.Int("Attempt", sub.FailedPaymentCount+1),
		zap.String("Amount", sub.EffectivePrice().String()),
	)
	col.success(sub.EffectivePrice())
}
