package subscription

import "time"

// NextBillingDate advances a billing timestamp by one billing period.
// Unknown periods fall back to a single month, matching how plans were
// billed before the period column existed.
func NextBillingDate(from time.Time, period Period, frequency int) time.Time {
	if frequency < 1 {
		frequency = 1
	}
	switch period {
	case PeriodWeek:
		return from.AddDate(0, 0, 7*frequency)
	case PeriodMonth:
		return from.AddDate(0, frequency, 0)
	case PeriodYear:
		return from.AddDate(frequency, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// PreviousBillingDate walks one billing period backwards. Used to
// reconstruct the period a future charge will pay for.
func PreviousBillingDate(from time.Time, period Period, frequency int) time.Time {
	if frequency < 1 {
		frequency = 1
	}
	switch period {
	case PeriodWeek:
		return from.AddDate(0, 0, -7*frequency)
	case PeriodMonth:
		return from.AddDate(0, -frequency, 0)
	case PeriodYear:
		return from.AddDate(-frequency, 0, 0)
	default:
		return from.AddDate(0, -1, 0)
	}
}

// CurrentPeriod returns the boundaries of the billing period the
// subscription's NextBillingAt relates to. A future NextBillingAt is
// the end of the period being paid for; a past one means the charge
// already happened and the period runs forward from it.
func (s *Subscription) CurrentPeriod(now time.Time) (start, end time.Time) {
	if s.NextBillingAt == nil {
		return now, NextBillingDate(now, s.BillingPeriod, s.BillingFrequency)
	}
	next := *s.NextBillingAt
	if next.After(now) {
		return PreviousBillingDate(next, s.BillingPeriod, s.BillingFrequency), next
	}
	return next, NextBillingDate(next, s.BillingPeriod, s.BillingFrequency)
}
