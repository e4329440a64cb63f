package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

const (
	metaTripID = "tripId"
	metaStage  = "stage"
	metaUserID = "userId"
)

// StripeGateway authorises stage payments as PaymentIntents with manual
// capture and captures them once the payer confirms.
type StripeGateway struct{}

// NewStripeGateway sets the process-wide Stripe key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata(metaTripID, req.TripID)
	params.AddMetadata(metaStage, string(req.Stage))
	params.AddMetadata(metaUserID, req.UserID)
	params.SetIdempotencyKey(fmt.Sprintf("%s-%s-%d", req.TripID, req.Stage, req.AmountMinor))
	pi, err := paymentintent.New(params)
	if err != nil {
		return Order{}, err
	}
	return orderFromIntent(pi), nil
}

func (s *StripeGateway) Order(ctx context.Context, orderID string) (Order, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(orderID, params)
	if err != nil {
		return Order{}, err
	}
	return orderFromIntent(pi), nil
}

// Capture finalises a held PaymentIntent. The charge id is reported as the
// payment id when Stripe returns one.
func (s *StripeGateway) Capture(ctx context.Context, orderID string) (Capture, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := paymentintent.Capture(orderID, params)
	if err != nil {
		return Capture{}, err
	}
	c := Capture{OrderID: pi.ID, PaymentID: pi.ID}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		c.PaymentID = pi.LatestCharge.ID
	}
	return c, nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeGateway) Cancel(ctx context.Context, orderID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(orderID, params)
	return err
}

func orderFromIntent(pi *stripe.PaymentIntent) Order {
	return Order{
		ID:          pi.ID,
		TripID:      pi.Metadata[metaTripID],
		Stage:       Stage(pi.Metadata[metaStage]),
		AmountMinor: pi.Amount,
		Currency:    string(pi.Currency),
	}
}
