package payments

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/observability"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
)

var errAlreadyRecorded = errors.New("order already recorded")

// Due is the next payment a trip is waiting for.
type Due struct {
	Stage   Stage   `json:"stage"`
	Percent int     `json:"paymentPercent"`
	Amount  float64 `json:"amount"`
}

type CheckoutResult struct {
	OrderID  string  `json:"orderId"`
	Stage    Stage   `json:"stage"`
	Percent  int     `json:"paymentPercent"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Tracker drives stage payments: it decides what is due, opens gateway
// orders for it and records captured payments on the trip and in the
// provider's wallet.
type Tracker struct {
	trips    storage.TripStore
	wallets  storage.WalletStore
	gateway  Gateway
	schedule Schedule
	currency string
	clock    timer.Clock
	logger   *slog.Logger
}

func NewTracker(trips storage.TripStore, wallets storage.WalletStore, gw Gateway, schedule Schedule, currency string, clock timer.Clock, logger *slog.Logger) *Tracker {
	if clock == nil {
		clock = timer.RealClock()
	}
	if currency == "" {
		currency = "inr"
	}
	return &Tracker{
		trips:    trips,
		wallets:  wallets,
		gateway:  gw,
		schedule: schedule,
		currency: currency,
		clock:    clock,
		logger:   logging.Component(logger, "payments"),
	}
}

func (t *Tracker) Schedule() Schedule { return t.schedule }

// NextDue reports the stage tripID is waiting on; ok is false when nothing
// can be paid right now.
func (t *Tracker) NextDue(ctx context.Context, tripID string) (Due, bool, error) {
	trip, err := t.trips.GetTrip(ctx, tripID)
	if err != nil {
		return Due{}, false, err
	}
	d, ok := t.due(trip)
	return d, ok, nil
}

func (t *Tracker) due(trip *models.Trip) (Due, bool) {
	stage, ok := t.schedule.NextDueStage(trip)
	if !ok {
		return Due{}, false
	}
	return Due{Stage: stage, Percent: t.schedule.Percent(stage), Amount: t.schedule.Amount(trip, stage)}, true
}

// Checkout opens a gateway order for the trip's next due stage. Only the
// trip's consumer pays.
func (t *Tracker) Checkout(ctx context.Context, tripID, userID string) (*CheckoutResult, error) {
	if tripID == "" {
		return nil, errs.Invalid("tripId", "is required")
	}
	trip, err := t.trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if userID != trip.ConsumerID {
		return nil, errs.Invalid("userId", "is not the consumer of this trip")
	}
	d, ok := t.due(trip)
	if !ok {
		return nil, errs.InvalidState("trip %s has no payment due", tripID)
	}
	order, err := t.gateway.CreateOrder(ctx, OrderRequest{
		TripID:      tripID,
		Stage:       d.Stage,
		UserID:      userID,
		AmountMinor: toMinor(d.Amount),
		Currency:    t.currency,
	})
	if err != nil {
		observability.PaymentFailures.WithLabelValues("create_order").Inc()
		return nil, errs.Gateway("create order", err)
	}
	t.logger.Info("order created", "trip_id", tripID, "stage", d.Stage, "order_id", order.ID, "amount", d.Amount)
	return &CheckoutResult{OrderID: order.ID, Stage: d.Stage, Percent: d.Percent, Amount: d.Amount, Currency: t.currency}, nil
}

// Verify captures orderID and records it against the trip. Verifying an
// order that is already recorded returns the existing transaction. When the
// gateway fails nothing is recorded and the stage stays due.
func (t *Tracker) Verify(ctx context.Context, tripID, orderID string) (*models.Transaction, error) {
	if orderID == "" {
		return nil, errs.Invalid("orderId", "is required")
	}
	trip, err := t.trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if tx, ok := recorded(trip, orderID); ok {
		return tx, nil
	}

	order, err := t.gateway.Order(ctx, orderID)
	if err != nil {
		observability.PaymentFailures.WithLabelValues("lookup").Inc()
		return nil, errs.Gateway("lookup order", err)
	}
	if order.TripID != tripID {
		return nil, errs.Invalid("orderId", "does not belong to this trip")
	}
	d, ok := t.due(trip)
	if !ok || d.Stage != order.Stage || order.AmountMinor != toMinor(d.Amount) {
		if err := t.gateway.Cancel(ctx, orderID); err != nil {
			t.logger.Warn("releasing stale order failed", "order_id", orderID, "error", err)
		}
		return nil, errs.InvalidState("order %s is for stage %s which is no longer due", orderID, order.Stage)
	}

	captured, err := t.gateway.Capture(ctx, orderID)
	if err != nil {
		observability.PaymentFailures.WithLabelValues("capture").Inc()
		return nil, errs.Gateway("capture", err)
	}

	tx := models.Transaction{
		ID:               uuid.NewString(),
		TripID:           tripID,
		UserID:           trip.ConsumerID,
		Stage:            string(d.Stage),
		PaymentPercent:   d.Percent,
		Amount:           d.Amount,
		GatewayPaymentID: captured.PaymentID,
		GatewayOrderID:   orderID,
		Type:             models.Debit,
		CreatedAt:        t.clock.Now(),
	}
	updated, err := t.trips.UpdateTrip(ctx, tripID, func(cur *models.Trip) error {
		if _, ok := recorded(cur, orderID); ok {
			return errAlreadyRecorded
		}
		if cur.HasStagePaid(tx.Stage) {
			return errs.InvalidState("stage %s of trip %s is already paid", tx.Stage, tripID)
		}
		cur.Transactions = append(cur.Transactions, tx)
		cur.UpdatedAt = tx.CreatedAt
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyRecorded):
		latest, gerr := t.trips.GetTrip(ctx, tripID)
		if gerr != nil {
			return nil, gerr
		}
		existing, _ := recorded(latest, orderID)
		return existing, nil
	case err != nil:
		t.logger.Error("captured payment not recorded", "trip_id", tripID, "order_id", orderID, "payment_id", captured.PaymentID, "error", err)
		return nil, err
	}
	observability.PaymentsCaptured.WithLabelValues(tx.Stage).Inc()

	t.creditProvider(ctx, updated, tx)
	return &tx, nil
}

func (t *Tracker) creditProvider(ctx context.Context, trip *models.Trip, paid models.Transaction) {
	if trip.ProviderID == "" || t.wallets == nil {
		return
	}
	credit := paid
	credit.ID = "credit-" + paid.GatewayOrderID
	credit.UserID = trip.ProviderID
	credit.Type = models.Credit
	if err := t.wallets.AppendTransaction(ctx, credit); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		t.logger.Error("wallet credit failed", "user_id", trip.ProviderID, "order_id", paid.GatewayOrderID, "error", err)
	}
}

// Wallet returns the append-only ledger of userID with a recomputed balance.
func (t *Tracker) Wallet(ctx context.Context, userID string) (models.Wallet, error) {
	if userID == "" {
		return models.Wallet{}, errs.Invalid("userId", "is required")
	}
	return t.wallets.Wallet(ctx, userID)
}

func recorded(trip *models.Trip, orderID string) (*models.Transaction, bool) {
	for i := range trip.Transactions {
		if trip.Transactions[i].GatewayOrderID == orderID {
			tx := trip.Transactions[i]
			return &tx, true
		}
	}
	return nil, false
}

func toMinor(amount float64) int64 { return int64(math.Round(amount * 100)) }
