package subscription

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// The named transitions below are the only way billing state moves.
// Each one leaves the record satisfying the engine's invariants:
//   - canceled => no next billing, no retry, no grace deadline
//   - failed count > 0 <=> a last payment error exists
//   - a grace deadline exists only once retries are exhausted

// MarkRenewed records a successful charge and schedules the next one.
// Any previous failure state is cleared in the same transition.
func (s *Subscription) MarkRenewed(now, next time.Time) {
	s.NextBillingAt = &next
	s.EndsAt = &next
	s.LastPaymentAttemptAt = &now
	s.FailedPaymentCount = 0
	s.LastPaymentError = nil
	s.NextRetryAt = nil
	s.GracePeriodEndsAt = nil
}

// MarkFailed records one failed charge attempt and schedules the
// retry. Shared by the renewal sweep (first failure) and the dunning
// sweep (subsequent failures).
func (s *Subscription) MarkFailed(now time.Time, errMsg string, retryAt time.Time) {
	s.FailedPaymentCount++
	s.LastPaymentError = &errMsg
	s.LastPaymentAttemptAt = &now
	s.NextRetryAt = &retryAt
}

// MarkRecovered clears all failure state after a successful retry.
// NextBillingAt is deliberately untouched; the dunning sweep advances
// it separately when the original attempt never got that far.
func (s *Subscription) MarkRecovered(now time.Time) {
	s.FailedPaymentCount = 0
	s.LastPaymentError = nil
	s.LastPaymentAttemptAt = &now
	s.NextRetryAt = nil
	s.GracePeriodEndsAt = nil
}

// EnterGrace stops the retry schedule and starts the fixed window the
// subscriber has to update their payment method.
func (s *Subscription) EnterGrace(now time.Time, grace time.Duration) {
	deadline := now.Add(grace)
	s.GracePeriodEndsAt = &deadline
	s.NextRetryAt = nil
}

// Cancel is terminal. A cancelled subscription carries no schedule of
// any kind and is excluded from every sweep selection.
func (s *Subscription) Cancel(now time.Time) {
	s.CanceledAt = &now
	s.EndsAt = &now
	s.NextBillingAt = nil
	s.NextRetryAt = nil
	s.GracePeriodEndsAt = nil
	s.PauseUntil = nil
}

// DeferForClosure moves the next charge past a farm closure and flags
// the subscription so the renewal sweep leaves it alone until resume.
func (s *Subscription) DeferForClosure(resume time.Time) {
	s.NextBillingAt = &resume
	s.SkipAutoRenewal = true
}

// ApplyProRate lowers the price to a pro-rated amount ahead of the
// last pre-closure charge, keeping the original for restoration.
// Applying twice keeps the first original.
func (s *Subscription) ApplyProRate(prorated decimal.Decimal) {
	if s.OriginalPrice == nil {
		orig := s.Price
		s.OriginalPrice = &orig
	}
	s.Price = prorated
}

// RestorePrice undoes ApplyProRate once normal billing resumes.
func (s *Subscription) RestorePrice() {
	if s.OriginalPrice != nil {
		s.Price = *s.OriginalPrice
		s.OriginalPrice = nil
	}
}

// CheckInvariants verifies the relationships between the failure and
// scheduling fields. The store runs this before persisting any
// transition result.
func (s *Subscription) CheckInvariants(maxRetries int) error {
	if s.CanceledAt != nil {
		if s.NextBillingAt != nil || s.NextRetryAt != nil || s.GracePeriodEndsAt != nil {
			return fmt.Errorf("cancelled subscription %s still has scheduling fields set", s.ID)
		}
	}
	if (s.FailedPaymentCount > 0) != (s.LastPaymentError != nil) {
		return fmt.Errorf("subscription %s has failed_payment_count=%d but last_payment_error presence=%t",
			s.ID, s.FailedPaymentCount, s.LastPaymentError != nil)
	}
	if s.GracePeriodEndsAt != nil && s.FailedPaymentCount < maxRetries {
		return fmt.Errorf("subscription %s has a grace deadline before exhausting retries (%d/%d)",
			s.ID, s.FailedPaymentCount, maxRetries)
	}
	return nil
}
