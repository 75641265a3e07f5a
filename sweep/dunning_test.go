package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/dunning"
	"github.com/soilsync/vegbox/notify"
	"github.com/soilsync/vegbox/subscription"
)

type dunningFixture struct {
	store    *fakeStore
	gateway  *fakeGateway
	notifier *fakeNotifier
	recorder *fakeRecorder
	dunning  *Dunning
}

func newDunningFixture(t *testing.T) *dunningFixture {
	t.Helper()
	store := newFakeStore(dunning.DefaultPolicy.MaxRetries)
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}
	d, err := NewDunning(DunningOptions{
		Store:    store,
		Gateway:  gw,
		Recorder: recorder,
		Notifier: notifier,
		Calendar: testCalendar,
		Policy:   dunning.DefaultPolicy,
		Admin:    testAdmin,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return &dunningFixture{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		recorder: recorder,
		dunning:  d,
	}
}

func failedSub(id string, attempts int, now time.Time) subscription.Subscription {
	sub := monthlySub(id, now)
	errMsg := "card declined"
	sub.FailedPaymentCount = attempts
	sub.LastPaymentError = &errMsg
	attemptAt := now.Add(-time.Hour)
	sub.LastPaymentAttemptAt = &attemptAt
	retryAt := now.Add(-time.Minute)
	sub.NextRetryAt = &retryAt
	return sub
}

func TestDunningRetriesAndBacksOff(t *testing.T) {
	f := newDunningFixture(t)
	now := time.Date(2025, time.November, 1, 12, 0, 0, 0, time.UTC)
	sub := failedSub("sub-1", 1, now)
	f.store.put(sub)
	f.gateway.declineAll(sub.Subscriber, "INSUFFICIENT_FUNDS", "card declined")

	summary, err := f.dunning.RunSweep(context.Background(), now, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	after := f.store.get("sub-1")
	require.Equal(t, 2, after.FailedPaymentCount)
	require.NotNil(t, after.NextRetryAt)
	require.Equal(t, now.Add(4*time.Hour), *after.NextRetryAt)
	require.Nil(t, after.GracePeriodEndsAt)

	reminders := f.notifier.byKind(notify.KindReminderSecond)
	require.Len(t, reminders, 1)
	require.Equal(t, "attempt-2", reminders[0].Cycle)
}

func TestDunningExhaustionEntersGraceOnce(t *testing.T) {
	f := newDunningFixture(t)
	now := time.Date(2025, time.November, 1, 12, 0, 0, 0, time.UTC)
	sub := failedSub("sub-1", 2, now)
	f.store.put(sub)
	f.gateway.declineAll(sub.Subscriber, "PAYMENT_FAILED", "processor unavailable")

	summary, err := f.dunning.RunSweep(context.Background(), now, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	after := f.store.get("sub-1")
	require.Equal(t, 3, after.FailedPaymentCount)
	require.NotNil(t, after.GracePeriodEndsAt)
	require.Equal(t, now.AddDate(0, 0, 7), *after.GracePeriodEndsAt)
	require.Nil(t, after.NextRetryAt)

	// further sweeps must not retry or warn again while grace runs
	for i := 0; i < 3; i++ {
		later := now.Add(time.Duration(i+1) * 24 * time.Hour)
		_, err := f.dunning.RunSweep(context.Background(), later, false)
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.gateway.chargeCount(sub.Subscriber))
	warnings := f.notifier.byKind(notify.KindFinalWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, "attempt-3", warnings[0].Cycle)
}

func TestDunningRecoveryAdvancesStaleCycle(t *testing.T) {
	f := newDunningFixture(t)
	now := time.Date(2025, time.November, 3, 12, 0, 0, 0, time.UTC)
	sub := failedSub("sub-1", 2, now)
	// the failed attempt never advanced the cycle
	stale := time.Date(2025, time.November, 1, 6, 0, 0, 0, time.UTC)
	sub.NextBillingAt = &stale
	f.store.put(sub)

	summary, err := f.dunning.RunSweep(context.Background(), now, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Successful)
	require.True(t, summary.TotalRevenue.Equal(decimal.RequireFromString("49.90")))

	after := f.store.get("sub-1")
	require.Zero(t, after.FailedPaymentCount)
	require.Nil(t, after.LastPaymentError)
	require.Nil(t, after.NextRetryAt)
	require.Nil(t, after.GracePeriodEndsAt)
	require.NotNil(t, after.NextBillingAt)
	require.Equal(t, time.Date(2025, time.December, 1, 6, 0, 0, 0, time.UTC), *after.NextBillingAt)

	require.Len(t, f.recorder.renewals(), 1)
}

func TestDunningRecoveryKeepsFutureCycle(t *testing.T) {
	f := newDunningFixture(t)
	now := time.Date(2025, time.November, 3, 12, 0, 0, 0, time.UTC)
	sub := failedSub("sub-1", 1, now)
	future := time.Date(2025, time.December, 1, 6, 0, 0, 0, time.UTC)
	sub.NextBillingAt = &future
	f.store.put(sub)

	_, err := f.dunning.RunSweep(context.Background(), now, false)
	require.NoError(t, err)

	after := f.store.get("sub-1")
	require.Zero(t, after.FailedPaymentCount)
	require.Equal(t, future, *after.NextBillingAt)
}

func TestDunningRespectsBackoffDelay(t *testing.T) {
	f := newDunningFixture(t)
	now := time.Date(2025, time.November, 1, 12, 0, 0, 0, time.UTC)
	sub := failedSub("sub-1", 1, now)
	retryAt := now.Add(30 * time.Minute)
	sub.NextRetryAt = &retryAt
	f.store.put(sub)

	summary, err := f.dunning.RunSweep(context.Background(), now, false)
	require.NoError(t, err)
	require.Zero(t, summary.Candidates)
	require.Zero(t, f.gateway.totalCalls())

	// force-run still refuses while the delay is pending
	oneSummary, err := f.dunning.RunOne(context.Background(), now, "sub-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, oneSummary.Skipped)
	require.Zero(t, f.gateway.totalCalls())
}

func TestDunningDryRun(t *testing.T) {
	f := newDunningFixture(t)
	now := time.Date(2025, time.November, 1, 12, 0, 0, 0, time.UTC)
	f.store.put(failedSub("sub-1", 2, now))

	summary, err := f.dunning.RunSweep(context.Background(), now, true)
	require.NoError(t, err)
	require.True(t, summary.DryRun)
	require.Equal(t, 1, summary.Successful)
	require.Zero(t, f.gateway.totalCalls())

	after := f.store.get("sub-1")
	require.Equal(t, 2, after.FailedPaymentCount)
}
