package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeGateway is a thin wrapper around stripe-go for the booking-fee
// lifecycle: hold at creation, capture on completion, refund or release on
// cancellation.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeGateway() *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Refund returns a captured or held booking fee to the customer.
func (s *StripeGateway) Refund(ctx context.Context, paymentIntentID string) error {
	_, err := refund.New(&stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)})
	return err
}

// Release cancels the hold on a PaymentIntent without charging it.
func (s *StripeGateway) Release(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
