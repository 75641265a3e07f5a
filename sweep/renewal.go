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

// RenewalOptions describes the dependencies of the renewal sweep
type RenewalOptions struct {
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

// Renewal charges due subscriptions once per cycle and schedules the
// next one, deferring around farm closures.
type Renewal struct {
	RenewalOptions
}

// NewRenewal returns the renewal sweep
func NewRenewal(option RenewalOptions) (*Renewal, error) {
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
	return &Renewal{
		RenewalOptions: option,
	}, nil
}

// RunSweep selects every subscription due within now+horizon and
// processes each under its row lock. One bad record never aborts the
// sweep; the summary is reported to the administrators afterwards.
func (t *Renewal) RunSweep(ctx context.Context, now time.Time, horizon time.Duration, dryRun bool) (Summary, error) {
	horizonEnd := now.Add(horizon)
	candidates, err := t.Store.DueForRenewal(ctx, horizonEnd)
	if err != nil {
		return Summary{}, err
	}

	col := newCollector("renewal", now, len(candidates), dryRun)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(t.Workers)
	for _, candidate := range candidates {
		id := candidate.ID
		group.Go(func() error {
			defer recoverWorker(t.Logger, id)
			t.processOne(groupCtx, now, horizonEnd, id, dryRun, col)
			return nil
		})
	}
	group.Wait()

	summary := col.snapshot()
	t.Logger.Info("Renewal sweep complete",
		zap.Bool("DryRun", dryRun),
		zap.Int("Candidates", summary.Candidates),
		zap.Int("Successful", summary.Successful),
		zap.Int("Failed", summary.Failed),
		zap.Int("Skipped", summary.Skipped),
		zap.String("TotalRevenue", summary.TotalRevenue.String()),
	)
	if !dryRun && summary.Candidates > 0 {
		dispatchNotification(ctx, t.Notifier, t.Logger, summaryEvent(t.Admin, now, summary))
	}
	return summary, nil
}

// RunOne force-runs the renewal path for a single subscription id
func (t *Renewal) RunOne(ctx context.Context, now time.Time, horizon time.Duration, id string, dryRun bool) (Summary, error) {
	col := newCollector("renewal", now, 1, dryRun)
	t.processOne(ctx, now, now.Add(horizon), id, dryRun, col)
	return col.snapshot(), nil
}

// renewalOutcome carries what happened under the lock out to the
// side-effect dispatch that runs after it is released
type renewalOutcome struct {
	charged       bool
	amount        decimal.Decimal
	transactionID string
	failedKind    notify.Kind
	failedCount   int
	errMsg        string
	skipReason    string
}

func (t *Renewal) processOne(ctx context.Context, now, horizonEnd time.Time, id string, dryRun bool, col *collector) {
	logger := t.Logger.With(zap.String("SubscriptionID", id))

	if dryRun {
		t.dryRunOne(ctx, now, horizonEnd, id, col, logger)
		return
	}

	var outcome renewalOutcome
	var snapshot subscription.Subscription

	_, err := t.Store.LambdaUpdate(ctx, id, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			outcome.skipReason = "no longer exists"
			return false
		}
		snapshot = *current
		if reason := t.notChargeable(current, now, horizonEnd); reason != "" {
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
			next := subscription.NextBillingDate(*current.NextBillingAt, current.BillingPeriod, current.BillingFrequency)
			adjusted, deferred := t.Calendar.AdjustBillingDate(next)
			desired.MarkRenewed(now, adjusted)
			if deferred {
				desired.DeferForClosure(adjusted)
				logger.Info("Deferred next billing for closure",
					zap.Time("Candidate", next),
					zap.Time("Resume", adjusted),
				)
			}
			outcome.charged = true
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
		return true
	})
	if err != nil {
		logger.Error("Cannot update subscription during renewal",
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
	case outcome.charged:
		col.success(outcome.amount)
		// ledger and notifications run outside the lock, best-effort
		if recErr := t.Recorder.RecordRenewal(ctx, id, outcome.transactionID, outcome.amount); recErr != nil {
			logger.Warn("Unable to record renewal in ledger",
				zap.Error(recErr),
			)
		}
	default:
		col.failure(&snapshot, outcome.errMsg)
		dispatchNotification(ctx, t.Notifier, t.Logger, newEvent(outcome.failedKind, &snapshot, now, attemptCycle(outcome.failedCount), map[string]interface{}{
			"attempt": outcome.failedCount,
			"error":   outcome.errMsg,
		}))
	}
}

// notChargeable re-checks eligibility under the lock, guarding against
// a concurrent sweep having already advanced or cancelled the row
func (t *Renewal) notChargeable(sub *subscription.Subscription, now, horizonEnd time.Time) string {
	if sub.IsCanceled() {
		return "already cancelled"
	}
	if sub.SkipAutoRenewal {
		return "auto renewal disabled"
	}
	if !sub.IsDue(horizonEnd) {
		return "not yet due"
	}
	if sub.IsPaused(now) {
		return "paused"
	}
	if sub.FailedPaymentCount > 0 {
		// the dunning sweep owns this one until it recovers
		return "in dunning"
	}
	return ""
}

func (t *Renewal) dryRunOne(ctx context.Context, now, horizonEnd time.Time, id string, col *collector, logger *zap.Logger) {
	sub, err := t.Store.GetByID(ctx, id)
	if err != nil {
		col.failure(&subscription.Subscription{ID: id}, err.Error())
		return
	}
	if sub == nil {
		col.skip()
		return
	}
	if reason := t.notChargeable(sub, now, horizonEnd); reason != "" {
		logger.Info("Dry run: would skip",
			zap.String("Reason", reason),
		)
		col.skip()
		return
	}
	logger.Info("Dry run: would charge",
		zap.String("Amount", sub.EffectivePrice().String()),
	)
	col.success(sub.EffectivePrice())
}
