package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/customer"
)

// StripeOptions describes the dependencies of the Stripe gateway
type StripeOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
}

// Stripe charges stored payment methods via off-session PaymentIntents
type Stripe struct {
	StripeOptions
}

var _ Gateway = &Stripe{}

// NewStripeClient returns a configured Stripe API client
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

// NewStripe returns a Gateway backed by Stripe
func NewStripe(option StripeOptions) (*Stripe, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Stripe{
		StripeOptions: option,
	}, nil
}

// Charge confirms an off-session PaymentIntent against the customer's
// default payment method. Declines come back as a failed ChargeResult;
// only transport-level problems return an error, and the caller treats
// those as failures too.
func (g *Stripe) Charge(ctx context.Context, ref customer.Ref, amount decimal.Decimal, currency string) (ChargeResult, error) {
	if ref.Kind != customer.KindUser {
		// externally billed subscribers never reach the gateway
		return ChargeResult{
			Success:      false,
			ErrorCode:    CodePaymentFailed,
			ErrorMessage: fmt.Sprintf("subscriber %s has no chargeable payment method", ref),
		}, nil
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:     stripe.Int64(amount.Mul(decimal.NewFromInt(100)).IntPart()),
		Currency:   stripe.String(currency),
		Customer:   stripe.String(ref.ID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}

	intent, err := g.StripeClient.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			result := ChargeResult{
				Success:      false,
				ErrorCode:    mapDeclineCode(stripeErr),
				ErrorMessage: stripeErr.Msg,
			}
			if stripeErr.PaymentIntent != nil {
				result.TransactionID = stripeErr.PaymentIntent.ID
			}
			g.Logger.Warn("Stripe declined the charge",
				zap.String("Subscriber", ref.String()),
				zap.String("ErrorCode", result.ErrorCode),
				zap.Error(err),
			)
			return result, nil
		}
		// transport error or timeout: not a success, not silently retried
		return ChargeResult{
			Success:      false,
			ErrorCode:    CodePaymentFailed,
			ErrorMessage: err.Error(),
		}, err
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{
			Success:       false,
			TransactionID: intent.ID,
			ErrorCode:     CodePaymentFailed,
			ErrorMessage:  fmt.Sprintf("payment intent ended in status %s", intent.Status),
		}, nil
	}

	return ChargeResult{
		Success:       true,
		TransactionID: intent.ID,
	}, nil
}

func mapDeclineCode(stripeErr *stripe.Error) string {
	if stripeErr.DeclineCode == stripe.DeclineCodeInsufficientFunds {
		return CodeInsufficientFunds
	}
	return CodePaymentFailed
}
