package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind distinguishes the two things the engine ever records
type EntryKind string

const (
	KindRenewal EntryKind = "renewal"
	KindRefund  EntryKind = "refund"
)

// Entry is one row in the renewal/refund ledger. The billing state on
// the subscription is the source of truth; entries are bookkeeping.
type Entry struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	SubscriptionID string          `json:"subscriptionId" gorm:"index"`
	Kind           EntryKind       `json:"kind"`
	TransactionID  string          `json:"transactionId"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(10,2)"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Recorder records renewals and refunds, best-effort. Callers log
// failures and never roll billing state back because of one.
type Recorder interface {
	RecordRenewal(ctx context.Context, subscriptionID, transactionID string, amount decimal.Decimal) error
	RecordRefund(ctx context.Context, subscriptionID string, amount decimal.Decimal, reason string) error
}
