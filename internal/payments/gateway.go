package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/observability"
)

// OrderRequest describes a stage payment to authorise.
type OrderRequest struct {
	TripID      string
	Stage       Stage
	UserID      string
	AmountMinor int64
	Currency    string
}

// Order is an authorised but not yet captured payment.
type Order struct {
	ID          string
	TripID      string
	Stage       Stage
	AmountMinor int64
	Currency    string
}

type Capture struct {
	OrderID   string
	PaymentID string
}

// Gateway is the external payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	Order(ctx context.Context, orderID string) (Order, error)
	Capture(ctx context.Context, orderID string) (Capture, error)
	Cancel(ctx context.Context, orderID string) error
}

// BreakerGateway stops calling a failing provider for a cool-down period
// instead of queueing requests behind its timeouts.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerGateway(next Gateway, logger *slog.Logger) *BreakerGateway {
	log := logging.Component(logger, "payment-breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    15 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.GatewayBreakerState.Set(stateValue(to))
			log.Info("circuit breaker state changed", "circuit", name, "from", from.String(), "to", to.String())
		},
	})
	observability.GatewayBreakerState.Set(0)
	return &BreakerGateway{next: next, cb: cb}
}

func (b *BreakerGateway) State() gobreaker.State { return b.cb.State() }

func (b *BreakerGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.next.CreateOrder(ctx, req) })
	if err != nil {
		return Order{}, breakerErr(err)
	}
	return v.(Order), nil
}

func (b *BreakerGateway) Order(ctx context.Context, orderID string) (Order, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.next.Order(ctx, orderID) })
	if err != nil {
		return Order{}, breakerErr(err)
	}
	return v.(Order), nil
}

func (b *BreakerGateway) Capture(ctx context.Context, orderID string) (Capture, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return b.next.Capture(ctx, orderID) })
	if err != nil {
		return Capture{}, breakerErr(err)
	}
	return v.(Capture), nil
}

func (b *BreakerGateway) Cancel(ctx context.Context, orderID string) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.next.Cancel(ctx, orderID) })
	return breakerErr(err)
}

// ErrGatewayUnavailable is returned while the breaker is open.
var ErrGatewayUnavailable = errors.New("payment gateway temporarily unavailable")

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrGatewayUnavailable, err)
	}
	return err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}
