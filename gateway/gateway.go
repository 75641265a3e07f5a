package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/soilsync/vegbox/customer"
)

// Error codes the engine distinguishes. Both increment the same
// failure counter; the split only feeds logging and notifications.
const (
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodePaymentFailed     = "PAYMENT_FAILED"
)

// ChargeResult is the outcome of a single charge attempt
type ChargeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// Gateway attempts a charge against a subscriber's stored payment
// method. A transport error or timeout must surface as a non-nil
// error or a failed result, never as success: an unauditable charge
// state is worse than a retry.
type Gateway interface {
	Charge(ctx context.Context, ref customer.Ref, amount decimal.Decimal, currency string) (ChargeResult, error)
}
