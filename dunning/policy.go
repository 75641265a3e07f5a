package dunning

import (
	"time"

	"github.com/soilsync/vegbox/notify"
)

// Policy maps a retry attempt number to a backoff delay and to the
// notification tier that should accompany it. It has no state.
type Policy struct {
	MaxRetries      int
	GracePeriodDays int
}

// DefaultPolicy matches the schedule the farm has been running on:
// three retries over increasing delays, then a week of grace.
var DefaultPolicy = Policy{
	MaxRetries:      3,
	GracePeriodDays: 7,
}

// Backoff returns how long to wait before the given retry attempt.
// 1st retry after 1 hour, 2nd after 4 hours, 3rd after 12 hours,
// anything beyond that after 24 hours. Non-decreasing in attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return time.Hour
	case 2:
		return 4 * time.Hour
	case 3:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Tier returns the notification kind for the given failed attempt
// number. The first two attempts send reminders, reaching MaxRetries
// sends the final warning.
func (p Policy) Tier(attempt int) notify.Kind {
	if attempt >= p.MaxRetries {
		return notify.KindFinalWarning
	}
	if attempt == 1 {
		return notify.KindReminderFirst
	}
	return notify.KindReminderSecond
}

// GracePeriod is the window a subscriber gets to fix their payment
// method after the final retry, before the reaper cancels them.
func (p Policy) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodDays) * 24 * time.Hour
}
