package closure

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soilsync/vegbox/subscription"
)

// Calendar describes one farm closure window: deliveries stop at Start,
// the farm reopens at End, and billing resumes at ResumeBilling (a few
// weeks before End, so the first post-closure boxes are paid for).
// The calendar is pure; it never touches storage.
type Calendar struct {
	Start         time.Time
	End           time.Time
	ResumeBilling time.Time
}

func (c Calendar) Validate() error {
	if c.Start.IsZero() || c.End.IsZero() || c.ResumeBilling.IsZero() {
		return fmt.Errorf("closure dates must all be set")
	}
	if !c.Start.Before(c.End) {
		return fmt.Errorf("closure start %s must be before closure end %s", c.Start, c.End)
	}
	if !c.ResumeBilling.After(c.Start) {
		return fmt.Errorf("resume billing %s must be after closure start %s", c.ResumeBilling, c.Start)
	}
	if c.ResumeBilling.After(c.End) {
		return fmt.Errorf("resume billing %s must not be after closure end %s", c.ResumeBilling, c.End)
	}
	return nil
}

// AdjustBillingDate maps a proposed billing timestamp around the
// closure window. A candidate strictly inside (Start, End] and before
// ResumeBilling comes back as ResumeBilling with deferred=true; the
// caller must persist the skip flag via DeferForClosure. A candidate
// exactly on Start is the last delivery before shutdown and still
// bills. The mapping is idempotent: a deferred date is never
// re-deferred.
func (c Calendar) AdjustBillingDate(candidate time.Time) (time.Time, bool) {
	if !candidate.After(c.Start) {
		return candidate, false
	}
	if candidate.After(c.End) {
		return candidate, false
	}
	if !candidate.Before(c.ResumeBilling) {
		return candidate, false
	}
	return c.ResumeBilling, true
}

// Action says how a pro-ration result must be applied
type Action string

const (
	// ActionAdjustCharge lowers the price before the upcoming charge
	ActionAdjustCharge Action = "adjust-charge"
	// ActionIssueRefund pays back the shortfall of an already-billed period
	ActionIssueRefund Action = "issue-refund"
	// ActionPauseOnly means every delivery of the period happens before
	// closure and only the pause flag is needed
	ActionPauseOnly Action = "pause-only"
)

// Proration is the split of one billing period interrupted by closure
type Proration struct {
	SubscriptionID        string          `json:"subscriptionId"`
	PeriodStart           time.Time       `json:"periodStart"`
	PeriodEnd             time.Time       `json:"periodEnd"`
	DeliveriesInPeriod    int             `json:"deliveriesInPeriod"`
	DeliveriesBeforeClose int             `json:"deliveriesBeforeClose"`
	FullAmount            decimal.Decimal `json:"fullAmount"`
	ProratedAmount        decimal.Decimal `json:"proratedAmount"`
	RefundAmount          decimal.Decimal `json:"refundAmount"`
	Action                Action          `json:"action"`
	BillingInFuture       bool            `json:"billingInFuture"`
}

// ProRate splits the subscription's current billing period at the
// closure start, assuming one delivery per week. Monthly billing uses
// a fixed 4 deliveries per month times the frequency; weekly and
// yearly billing count actual calendar weeks. The two counting rules
// disagree on purpose (long-standing billing policy, pending product
// sign-off) and must not be unified here.
//
// When NextBillingAt is still in the future the shortfall is applied
// as a reduced charge; when the period was already billed in full it
// becomes a refund. The two paths are mutually exclusive.
func (c Calendar) ProRate(sub *subscription.Subscription, now time.Time) Proration {
	periodStart, periodEnd := sub.CurrentPeriod(now)
	billingInFuture := sub.NextBillingAt != nil && sub.NextBillingAt.After(now)

	var deliveriesInPeriod, deliveriesBeforeClose int
	if sub.BillingPeriod == subscription.PeriodMonth {
		freq := sub.BillingFrequency
		if freq < 1 {
			freq = 1
		}
		deliveriesInPeriod = subscription.DeliveriesPerMonth * freq
		current := periodStart
		for current.Before(periodEnd) && deliveriesBeforeClose < deliveriesInPeriod {
			if current.Before(c.Start) {
				deliveriesBeforeClose++
			}
			current = current.AddDate(0, 0, 7)
		}
	} else {
		weeksInPeriod := wholeWeeks(periodStart, periodEnd)
		weeksBeforeClose := wholeWeeks(periodStart, c.Start)
		if weeksBeforeClose > weeksInPeriod {
			weeksBeforeClose = weeksInPeriod
		}
		if weeksBeforeClose < 0 {
			weeksBeforeClose = 0
		}
		deliveriesInPeriod = weeksInPeriod
		deliveriesBeforeClose = weeksBeforeClose
	}

	full := sub.Price
	prorated := decimal.Zero
	if deliveriesInPeriod > 0 {
		prorated = full.
			Mul(decimal.NewFromInt(int64(deliveriesBeforeClose))).
			Div(decimal.NewFromInt(int64(deliveriesInPeriod))).
			Round(2)
	}
	refund := full.Sub(prorated)
	if refund.IsNegative() {
		refund = decimal.Zero
	}

	action := ActionPauseOnly
	if refund.IsPositive() {
		if billingInFuture {
			action = ActionAdjustCharge
		} else {
			action = ActionIssueRefund
		}
	}

	return Proration{
		SubscriptionID:        sub.ID,
		PeriodStart:           periodStart,
		PeriodEnd:             periodEnd,
		DeliveriesInPeriod:    deliveriesInPeriod,
		DeliveriesBeforeClose: deliveriesBeforeClose,
		FullAmount:            full,
		ProratedAmount:        prorated,
		RefundAmount:          refund,
		Action:                action,
		BillingInFuture:       billingInFuture,
	}
}

func wholeWeeks(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(math.Ceil(to.Sub(from).Hours() / (24 * 7)))
}
