package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/customer"
	"github.com/soilsync/vegbox/dunning"
	"github.com/soilsync/vegbox/notify"
	"github.com/soilsync/vegbox/subscription"
)

const defaultWorkers = 4

// Store is the slice of the subscription manager the sweeps rely on.
// subscription.Manager satisfies it; tests use an in-memory fake.
type Store interface {
	DueForRenewal(ctx context.Context, horizonEnd time.Time) ([]subscription.Subscription, error)
	ReadyForRetry(ctx context.Context, now time.Time, maxRetries int) ([]subscription.Subscription, error)
	GraceExpired(ctx context.Context, now time.Time) ([]subscription.Subscription, error)
	ActiveForClosure(ctx context.Context) ([]subscription.Subscription, error)
	DeferredForClosure(ctx context.Context) ([]subscription.Subscription, error)
	GetByID(ctx context.Context, id string) (*subscription.Subscription, error)
	LambdaUpdate(ctx context.Context, id string, lambda subscription.LambdaUpdateFunc) (*subscription.Subscription, error)
}

// Failure describes one subscription that could not be charged
type Failure struct {
	SubscriptionID string `json:"subscriptionId"`
	Subscriber     string `json:"subscriber"`
	Reason         string `json:"reason"`
}

// Summary is the per-sweep report surfaced to administrators
type Summary struct {
	Sweep        string          `json:"sweep"`
	DryRun       bool            `json:"dryRun"`
	StartedAt    time.Time       `json:"startedAt"`
	Candidates   int             `json:"candidates"`
	Successful   int             `json:"successful"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	TotalRevenue decimal.Decimal `json:"totalRevenue"`
	Failures     []Failure       `json:"failures"`
}

// collector accumulates a Summary from concurrent workers
type collector struct {
	mu      sync.Mutex
	summary Summary
}

func newCollector(sweepName string, now time.Time, candidates int, dryRun bool) *collector {
	return &collector{
		summary: Summary{
			Sweep:        sweepName,
			DryRun:       dryRun,
			StartedAt:    now,
			Candidates:   candidates,
			TotalRevenue: decimal.Zero,
			Failures:     make([]Failure, 0),
		},
	}
}

func (c *collector) success(amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Successful++
	c.summary.TotalRevenue = c.summary.TotalRevenue.Add(amount)
}

func (c *collector) failure(sub *subscription.Subscription, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Failed++
	c.summary.Failures = append(c.summary.Failures, Failure{
		SubscriptionID: sub.ID,
		Subscriber:     sub.Subscriber.String(),
		Reason:         reason,
	})
}

func (c *collector) skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Skipped++
}

func (c *collector) snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// applyFailure is the single failure transition shared by the renewal
// and dunning sweeps: bump the counter, schedule the backoff, and once
// retries are exhausted start the grace clock. Returns the
// notification tier owed to the subscriber.
func applyFailure(sub *subscription.Subscription, now time.Time, errMsg string, policy dunning.Policy) notify.Kind {
	attempt := sub.FailedPaymentCount + 1
	sub.MarkFailed(now, errMsg, now.Add(policy.Backoff(attempt)))
	if attempt >= policy.MaxRetries {
		sub.EnterGrace(now, policy.GracePeriod())
	}
	return policy.Tier(attempt)
}

// dispatchNotification is best-effort: failures are logged with full
// context and never touch billing state.
func dispatchNotification(ctx context.Context, notifier notify.Notifier, logger *zap.Logger, event notify.Event) {
	if err := notifier.Notify(ctx, event); err != nil {
		logger.Error("Unable to dispatch notification",
			zap.String("SubscriptionID", event.SubscriptionID),
			zap.String("Kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

// newEvent builds a subscriber notification. cycle must name the
// logical occurrence (for failures the attempt number, for
// cancellations the grace deadline) so a redispatch of the same
// occurrence deduplicates at the broker.
func newEvent(kind notify.Kind, sub *subscription.Subscription, now time.Time, cycle string, payload map[string]interface{}) notify.Event {
	return notify.Event{
		ID:             shortuuid.New(),
		Kind:           kind,
		Cycle:          cycle,
		Subscriber:     sub.Subscriber,
		SubscriptionID: sub.ID,
		OccurredAt:     now,
		Payload:        payload,
	}
}

// attemptCycle names the dunning occurrence a failure event belongs to
func attemptCycle(attempt int) string {
	return fmt.Sprintf("attempt-%d", attempt)
}

func summaryEvent(admin customer.Ref, now time.Time, summary Summary) notify.Event {
	return notify.Event{
		ID:         shortuuid.New(),
		Kind:       notify.KindDailySummary,
		Cycle:      fmt.Sprintf("%s-%s", summary.Sweep, now.Format("2006-01-02")),
		Subscriber: admin,
		OccurredAt: now,
		Payload: map[string]interface{}{
			"sweep":        summary.Sweep,
			"candidates":   summary.Candidates,
			"successful":   summary.Successful,
			"failed":       summary.Failed,
			"skipped":      summary.Skipped,
			"totalRevenue": summary.TotalRevenue.String(),
			"failures":     summary.Failures,
		},
	}
}

// recoverWorker keeps one bad record from aborting a whole sweep
func recoverWorker(logger *zap.Logger, subscriptionID string) {
	if r := recover(); r != nil {
		logger.Error("Recovered from panic while processing subscription",
			zap.String("SubscriptionID", subscriptionID),
			zap.Any("Panic", r),
		)
	}
}
