package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/closure"
	"github.com/soilsync/vegbox/ledger"
	"github.com/soilsync/vegbox/subscription"
)

// ClosurePlannerOptions describes the dependencies of the planner
type ClosurePlannerOptions struct {
	Store    Store
	Recorder ledger.Recorder
	Calendar closure.Calendar
	Logger   *zap.Logger
}

// ClosurePlanner pro-rates every active subscription around a farm
// closure. Plan is a read-only preview for operators; Apply persists
// the split, and Resume puts everything back once billing restarts.
type ClosurePlanner struct {
	ClosurePlannerOptions
}

// NewClosurePlanner returns the closure planner
func NewClosurePlanner(option ClosurePlannerOptions) (*ClosurePlanner, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Recorder == nil {
		return nil, fmt.Errorf("nil Recorder is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.Calendar.Validate(); err != nil {
		return nil, err
	}
	return &ClosurePlanner{
		ClosurePlannerOptions: option,
	}, nil
}

// Plan computes the pro-ration for every subscription the closure
// affects, without touching any of them
func (p *ClosurePlanner) Plan(ctx context.Context, now time.Time) ([]closure.Proration, error) {
	candidates, err := p.Store.ActiveForClosure(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]closure.Proration, 0, len(candidates))
	for i := range candidates {
		plans = append(plans, p.Calendar.ProRate(&candidates[i], now))
	}
	return plans, nil
}

// Apply persists the closure plan. Subscriptions still awaiting their
// charge get the lowered price so the upcoming renewal collects the
// pro-rated amount; already-billed ones get a refund ledger entry and
// their next charge pushed past the closure.
func (p *ClosurePlanner) Apply(ctx context.Context, now time.Time) (Summary, error) {
	candidates, err := p.Store.ActiveForClosure(ctx)
	if err != nil {
		return Summary{}, err
	}

	col := newCollector("closure", now, len(candidates), false)
	for i := range candidates {
		id := candidates[i].ID
		func() {
			defer recoverWorker(p.Logger, id)
			p.applyOne(ctx, now, id, col)
		}()
	}

	summary := col.snapshot()
	p.Logger.Info("Closure plan applied",
		zap.Int("Candidates", summary.Candidates),
		zap.Int("Adjusted", summary.Successful),
		zap.Int("Failed", summary.Failed),
		zap.Int("Skipped", summary.Skipped),
		zap.String("TotalRefunded", summary.TotalRevenue.String()),
	)
	return summary, nil
}

func (p *ClosurePlanner) applyOne(ctx context.Context, now time.Time, id string, col *collector) {
	logger := p.Logger.With(zap.String("SubscriptionID", id))

	var plan closure.Proration
	var skipReason string
	var snapshot subscription.Subscription

	_, err := p.Store.LambdaUpdate(ctx, id, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			skipReason = "no longer exists"
			return false
		}
		snapshot = *current
		if current.IsCanceled() || current.SkipAutoRenewal || current.NextBillingAt == nil {
			skipReason = "not affected by closure"
			return false
		}

		if current.OriginalPrice != nil {
			skipReason = "already pro-rated"
			return false
		}

		plan = p.Calendar.ProRate(current, now)
		switch plan.Action {
		case closure.ActionAdjustCharge:
			// the lowered price rides the normal renewal sweep; the
			// deferral happens when that charge schedules its successor
			desired.ApplyProRate(plan.ProratedAmount)
		case closure.ActionIssueRefund:
			// paid through the closure already, so the next charge waits
			// for billing to resume
			desired.DeferForClosure(p.Calendar.ResumeBilling)
		case closure.ActionPauseOnly:
			pause := p.Calendar.End
			desired.PauseUntil = &pause
		}
		return true
	})
	if err != nil {
		logger.Error("Cannot apply closure plan to subscription",
			zap.Error(err),
		)
		col.failure(&subscription.Subscription{ID: id}, err.Error())
		return
	}

	if skipReason != "" {
		col.skip()
		return
	}

	logger.Info("Applied closure plan",
		zap.String("Action", string(plan.Action)),
		zap.String("ProratedAmount", plan.ProratedAmount.String()),
		zap.String("RefundAmount", plan.RefundAmount.String()),
	)
	if plan.Action == closure.ActionIssueRefund {
		// refunds are money owed back for boxes the closure swallowed
		col.success(plan.RefundAmount)
		reason := fmt.Sprintf("closure refund: %d of %d deliveries fulfilled", plan.DeliveriesBeforeClose, plan.DeliveriesInPeriod)
		if recErr := p.Recorder.RecordRefund(ctx, id, plan.RefundAmount, reason); recErr != nil {
			logger.Error("Unable to record closure refund in ledger",
				zap.String("Subscriber", snapshot.Subscriber.String()),
				zap.Error(recErr),
			)
		}
	} else {
		col.success(decimal.Zero)
	}
}

// Resume restores every deferred subscription once billing restarts:
// pro-rated prices come back up and the skip flag clears so the next
// renewal sweep picks them up at ResumeBilling.
func (p *ClosurePlanner) Resume(ctx context.Context, now time.Time) (Summary, error) {
	candidates, err := p.Store.DeferredForClosure(ctx)
	if err != nil {
		return Summary{}, err
	}

	col := newCollector("closure-resume", now, len(candidates), false)
	for i := range candidates {
		id := candidates[i].ID
		func() {
			defer recoverWorker(p.Logger, id)
			p.resumeOne(ctx, now, id, col)
		}()
	}

	summary := col.snapshot()
	p.Logger.Info("Closure resume complete",
		zap.Int("Candidates", summary.Candidates),
		zap.Int("Resumed", summary.Successful),
		zap.Int("Failed", summary.Failed),
		zap.Int("Skipped", summary.Skipped),
	)
	return summary, nil
}

func (p *ClosurePlanner) resumeOne(ctx context.Context, now time.Time, id string, col *collector) {
	logger := p.Logger.With(zap.String("SubscriptionID", id))

	var skipReason string
	_, err := p.Store.LambdaUpdate(ctx, id, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			skipReason = "no longer exists"
			return false
		}
		if current.IsCanceled() || !current.SkipAutoRenewal {
			skipReason = "not deferred"
			return false
		}
		desired.SkipAutoRenewal = false
		desired.PauseUntil = nil
		desired.RestorePrice()
		return true
	})
	if err != nil {
		logger.Error("Cannot resume subscription after closure",
			zap.Error(err),
		)
		col.failure(&subscription.Subscription{ID: id}, err.Error())
		return
	}
	if skipReason != "" {
		col.skip()
		return
	}
	logger.Info("Resumed billing after closure")
	col.success(decimal.Zero)
}
