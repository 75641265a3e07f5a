package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/dunning"
	"github.com/soilsync/vegbox/notify"
	"github.com/soilsync/vegbox/subscription"
)

type reaperFixture struct {
	store    *fakeStore
	notifier *fakeNotifier
	reaper   *Reaper
}

func newReaperFixture(t *testing.T) *reaperFixture {
	t.Helper()
	store := newFakeStore(dunning.DefaultPolicy.MaxRetries)
	notifier := &fakeNotifier{}
	reaper, err := NewReaper(ReaperOptions{
		Store:    store,
		Notifier: notifier,
		Admin:    testAdmin,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return &reaperFixture{
		store:    store,
		notifier: notifier,
		reaper:   reaper,
	}
}

func gracedSub(id string, graceEnds time.Time) subscription.Subscription {
	sub := monthlySub(id, graceEnds.AddDate(0, 0, -7))
	errMsg := "card declined"
	sub.FailedPaymentCount = dunning.DefaultPolicy.MaxRetries
	sub.LastPaymentError = &errMsg
	sub.GracePeriodEndsAt = &graceEnds
	return sub
}

func TestReaperCancelsExpiredGrace(t *testing.T) {
	f := newReaperFixture(t)
	graceEnds := time.Date(2025, time.November, 10, 12, 0, 0, 0, time.UTC)
	f.store.put(gracedSub("sub-1", graceEnds))

	now := graceEnds.Add(time.Second)
	summary, err := f.reaper.RunSweep(context.Background(), now, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Successful)

	after := f.store.get("sub-1")
	require.NotNil(t, after.CanceledAt)
	require.Equal(t, now, *after.CanceledAt)
	require.Nil(t, after.NextBillingAt)
	require.Nil(t, after.NextRetryAt)
	require.Nil(t, after.GracePeriodEndsAt)

	cancelled := f.notifier.byKind(notify.KindCancelled)
	require.Len(t, cancelled, 1)
	require.Equal(t, "sub-1", cancelled[0].SubscriptionID)
	require.Equal(t, dunning.DefaultPolicy.MaxRetries, cancelled[0].Payload["failedAttempts"])

	// a cancelled subscription never reappears in any selection
	due, err := f.store.DueForRenewal(context.Background(), now.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.Empty(t, due)
	retries, err := f.store.ReadyForRetry(context.Background(), now, dunning.DefaultPolicy.MaxRetries)
	require.NoError(t, err)
	require.Empty(t, retries)
}

func TestReaperWaitsOutRunningGrace(t *testing.T) {
	f := newReaperFixture(t)
	graceEnds := time.Date(2025, time.November, 10, 12, 0, 0, 0, time.UTC)
	f.store.put(gracedSub("sub-1", graceEnds))

	now := graceEnds.Add(-time.Hour)
	summary, err := f.reaper.RunSweep(context.Background(), now, false)
	require.NoError(t, err)
	require.Zero(t, summary.Candidates)

	after := f.store.get("sub-1")
	require.Nil(t, after.CanceledAt)
}

func TestReaperSparesRecoveredSubscription(t *testing.T) {
	f := newReaperFixture(t)
	graceEnds := time.Date(2025, time.November, 10, 12, 0, 0, 0, time.UTC)
	now := graceEnds.Add(time.Second)

	// recovery lands between the reaper's select and its lock
	sub := gracedSub("sub-1", graceEnds)
	f.store.put(sub)
	_, err := f.store.LambdaUpdate(context.Background(), "sub-1", func(current, desired *subscription.Subscription) bool {
		desired.MarkRecovered(now)
		return true
	})
	require.NoError(t, err)

	summary, err := f.reaper.RunOne(context.Background(), now, "sub-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)

	after := f.store.get("sub-1")
	require.Nil(t, after.CanceledAt)
	require.Empty(t, f.notifier.byKind(notify.KindCancelled))
}

func TestReaperDryRun(t *testing.T) {
	f := newReaperFixture(t)
	graceEnds := time.Date(2025, time.November, 10, 12, 0, 0, 0, time.UTC)
	f.store.put(gracedSub("sub-1", graceEnds))

	now := graceEnds.Add(time.Second)
	summary, err := f.reaper.RunSweep(context.Background(), now, true)
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, 1, summary.Successful)

	after := f.store.get("sub-1")
	require.Nil(t, after.CanceledAt)
	require.Empty(t, f.notifier.events)
}
