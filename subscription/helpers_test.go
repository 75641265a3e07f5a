package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextBillingDate(t *testing.T) {
	from := time.Date(2025, 12, 18, 9, 0, 0, 0, time.UTC)

	require.Equal(t, time.Date(2025, 12, 25, 9, 0, 0, 0, time.UTC), NextBillingDate(from, PeriodWeek, 1))
	require.Equal(t, time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC), NextBillingDate(from, PeriodWeek, 4))
	require.Equal(t, time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC), NextBillingDate(from, PeriodMonth, 1))
	require.Equal(t, time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC), NextBillingDate(from, PeriodMonth, 3))
	require.Equal(t, time.Date(2026, 12, 18, 9, 0, 0, 0, time.UTC), NextBillingDate(from, PeriodYear, 1))

	// unknown period falls back to one month
	require.Equal(t, time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC), NextBillingDate(from, Period("fortnight"), 2))
	// zero frequency is treated as one
	require.Equal(t, time.Date(2026, 1, 18, 9, 0, 0, 0, time.UTC), NextBillingDate(from, PeriodMonth, 0))
}

func TestPreviousBillingDateRoundTrips(t *testing.T) {
	from := time.Date(2025, 12, 18, 9, 0, 0, 0, time.UTC)

	for _, period := range []Period{PeriodWeek, PeriodMonth, PeriodYear} {
		for _, freq := range []int{1, 2, 4} {
			next := NextBillingDate(from, period, freq)
			require.Equal(t, from, PreviousBillingDate(next, period, freq), "%s x%d", period, freq)
		}
	}
}

func TestCurrentPeriod(t *testing.T) {
	now := time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)

	future := time.Date(2025, 12, 29, 9, 0, 0, 0, time.UTC)
	sub := &Subscription{BillingPeriod: PeriodMonth, BillingFrequency: 1, NextBillingAt: &future}
	start, end := sub.CurrentPeriod(now)
	require.Equal(t, time.Date(2025, 11, 29, 9, 0, 0, 0, time.UTC), start)
	require.Equal(t, future, end)

	past := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	sub.NextBillingAt = &past
	start, end = sub.CurrentPeriod(now)
	require.Equal(t, past, start)
	require.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), end)
}

func TestPredicates(t *testing.T) {
	now := time.Date(2025, 12, 18, 9, 0, 0, 0, time.UTC)

	sub := &Subscription{}
	require.False(t, sub.IsDue(now))

	due := now.Add(-time.Hour)
	sub.NextBillingAt = &due
	require.True(t, sub.IsDue(now))

	later := now.Add(48 * time.Hour)
	sub.NextBillingAt = &later
	require.False(t, sub.IsDue(now))
	require.True(t, sub.IsDue(now.Add(72*time.Hour)))

	pause := now.Add(time.Hour)
	sub.PauseUntil = &pause
	require.True(t, sub.IsPaused(now))
	require.False(t, sub.IsPaused(now.Add(2*time.Hour)))

	grace := now.Add(time.Hour)
	sub.GracePeriodEndsAt = &grace
	require.True(t, sub.InGrace(now))
	require.False(t, sub.InGrace(now.Add(2*time.Hour)))
}
