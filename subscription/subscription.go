package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/soilsync/vegbox/customer"
)

// Subscription is the durable billing record of one recurring vegbox.
// All mutation goes through the Manager under a per-row lock; the
// named transitions below are the only code that touches the failure
// and scheduling fields together.
type Subscription struct {
	ID         string       `json:"id" gorm:"primaryKey"`
	Subscriber customer.Ref `json:"subscriber" gorm:"embedded"`
	PlanName   string       `json:"planName"`

	Price    decimal.Decimal `json:"price" gorm:"type:numeric(10,2)"`
	Currency string          `json:"currency"`
	// OriginalPrice is set while a closure pro-rate temporarily lowers
	// Price, so the full amount can be restored when billing resumes
	OriginalPrice *decimal.Decimal `json:"originalPrice,omitempty" gorm:"type:numeric(10,2)"`

	BillingPeriod    Period `json:"billingPeriod"`
	BillingFrequency int    `json:"billingFrequency"`

	StartsAt      time.Time  `json:"startsAt"`
	EndsAt        *time.Time `json:"endsAt,omitempty"`
	CanceledAt    *time.Time `json:"canceledAt,omitempty" gorm:"index"`
	NextBillingAt *time.Time `json:"nextBillingAt,omitempty" gorm:"index"`
	PauseUntil    *time.Time `json:"pauseUntil,omitempty"`

	// SkipAutoRenewal means the engine must never charge this
	// subscription (externally billed, or paused for a farm closure)
	SkipAutoRenewal bool `json:"skipAutoRenewal"`

	FailedPaymentCount   int        `json:"failedPaymentCount"`
	LastPaymentError     *string    `json:"lastPaymentError,omitempty"`
	LastPaymentAttemptAt *time.Time `json:"lastPaymentAttemptAt,omitempty"`
	NextRetryAt          *time.Time `json:"nextRetryAt,omitempty"`
	GracePeriodEndsAt    *time.Time `json:"gracePeriodEndsAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsCanceled reports whether the subscription is dead. CanceledAt is
// the authoritative signal; EndsAt alone does not count.
func (s *Subscription) IsCanceled() bool {
	return s.CanceledAt != nil
}

// IsDue reports whether the subscription should be charged within the
// given processing window.
func (s *Subscription) IsDue(horizonEnd time.Time) bool {
	if s.NextBillingAt == nil {
		return false
	}
	return !s.NextBillingAt.After(horizonEnd)
}

// IsPaused reports whether a temporary pause is still in effect.
func (s *Subscription) IsPaused(now time.Time) bool {
	return s.PauseUntil != nil && s.PauseUntil.After(now)
}

// InGrace reports whether the subscription is waiting out its grace
// period after exhausting all retries.
func (s *Subscription) InGrace(now time.Time) bool {
	return s.GracePeriodEndsAt != nil && s.GracePeriodEndsAt.After(now)
}

// EffectivePrice is the amount the gateway will be asked for.
func (s *Subscription) EffectivePrice() decimal.Decimal {
	return s.Price
}
