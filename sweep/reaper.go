package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soilsync/vegbox/customer"
	"github.com/soilsync/vegbox/notify"
	"github.com/soilsync/vegbox/subscription"
)

// ReaperOptions describes the dependencies of the grace period reaper
type ReaperOptions struct {
	Store    Store
	Notifier notify.Notifier
	Admin    customer.Ref
	Logger   *zap.Logger
	Workers  int
}

// Reaper cancels subscriptions whose grace period expired without the
// subscriber updating their payment method.
type Reaper struct {
	ReaperOptions
}

// NewReaper returns the grace period reaper
func NewReaper(option ReaperOptions) (*Reaper, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Workers < 1 {
		option.Workers = defaultWorkers
	}
	return &Reaper{
		ReaperOptions: option,
	}, nil
}

// RunSweep cancels every subscription whose grace deadline has passed
func (t *Reaper) RunSweep(ctx context.Context, now time.Time, dryRun bool) (Summary, error) {
	candidates, err := t.Store.GraceExpired(ctx, now)
	if err != nil {
		return Summary{}, err
	}

	col := newCollector("reaper", now, len(candidates), dryRun)
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
	t.Logger.Info("Reaper sweep complete",
		zap.Bool("DryRun", dryRun),
		zap.Int("Candidates", summary.Candidates),
		zap.Int("Cancelled", summary.Successful),
		zap.Int("Failed", summary.Failed),
		zap.Int("Skipped", summary.Skipped),
	)
	if !dryRun && summary.Candidates > 0 {
		dispatchNotification(ctx, t.Notifier, t.Logger, summaryEvent(t.Admin, now, summary))
	}
	return summary, nil
}

// RunOne force-runs the reaper for a single subscription id
func (t *Reaper) RunOne(ctx context.Context, now time.Time, id string, dryRun bool) (Summary, error) {
	col := newCollector("reaper", now, 1, dryRun)
	t.processOne(ctx, now, id, dryRun, col)
	return col.snapshot(), nil
}

func (t *Reaper) processOne(ctx context.Context, now time.Time, id string, dryRun bool, col *collector) {
	logger := t.Logger.With(zap.String("SubscriptionID", id))

	if dryRun {
		sub, err := t.Store.GetByID(ctx, id)
		if err != nil {
			col.failure(&subscription.Subscription{ID: id}, err.Error())
			return
		}
		if sub == nil || t.notReapable(sub, now) != "" {
			col.skip()
			return
		}
		logger.Info("Dry run: would cancel subscription")
		col.success(decimal.Zero)
		return
	}

	var skipReason string
	var failedCount int
	var snapshot subscription.Subscription

	_, err := t.Store.LambdaUpdate(ctx, id, func(current, desired *subscription.Subscription) bool {
		if current == nil {
			skipReason = "no longer exists"
			return false
		}
		snapshot = *current
		if reason := t.notReapable(current, now); reason != "" {
			skipReason = reason
			return false
		}
		failedCount = current.FailedPaymentCount
		desired.Cancel(now)
		return true
	})
	if err != nil {
		logger.Error("Cannot cancel subscription",
			zap.Error(err),
		)
		col.failure(&subscription.Subscription{ID: id}, err.Error())
		return
	}

	if skipReason != "" {
		logger.Info("Skipping subscription",
			zap.String("Reason", skipReason),
		)
		col.skip()
		return
	}

	logger.Warn("Cancelled subscription after grace period expiry",
		zap.Int("FailedAttempts", failedCount),
	)
	col.success(decimal.Zero)
	cycle := "grace-" + snapshot.GracePeriodEndsAt.UTC().Format(time.RFC3339)
	dispatchNotification(ctx, t.Notifier, t.Logger, newEvent(notify.KindCancelled, &snapshot, now, cycle, map[string]interface{}{
		"failedAttempts": failedCount,
		"reason":         "grace period expired",
	}))
}

// notReapable re-checks eligibility under the lock. A recovery that
// landed between select and lock cleared the grace deadline, so the
// subscription walks free.
func (t *Reaper) notReapable(sub *subscription.Subscription, now time.Time) string {
	if sub.IsCanceled() {
		return "already cancelled"
	}
	if sub.GracePeriodEndsAt == nil {
		return "recovered before reaping"
	}
	if sub.InGrace(now) {
		return "grace period still running"
	}
	return ""
}
