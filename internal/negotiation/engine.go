// Package negotiation owns the counter-price exchange of a single trip:
// whose turn it is, whether a counter is admissible, and recording it
// against the authoritative bid sequence.
package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/observability"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
)

// TurnOf is the single source of truth for turn order. An even bid count
// belongs to opener, an odd one to its counterpart.
func TurnOf(bidCount int, opener models.Role) models.Role {
	if bidCount%2 == 0 {
		return opener
	}
	return opener.Counterpart()
}

// WindowOf derives the bidding window from the trip itself.
func WindowOf(t *models.Trip, d time.Duration) (timer.Window, bool) {
	if t.BiddingStartTime == nil {
		return timer.Window{}, false
	}
	return timer.Window{TripID: t.ID, StartedAt: *t.BiddingStartTime, Duration: d}, true
}

// Publisher delivers an event to connected parties.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Rules struct {
	Opener         models.Role
	WindowDuration time.Duration
}

type Engine struct {
	store  storage.TripStore
	pub    Publisher
	rules  Rules
	clock  timer.Clock
	logger *slog.Logger
}

func NewEngine(store storage.TripStore, pub Publisher, rules Rules, clock timer.Clock, logger *slog.Logger) *Engine {
	if !rules.Opener.Valid() {
		rules.Opener = models.RoleProvider
	}
	if clock == nil {
		clock = timer.RealClock()
	}
	return &Engine{store: store, pub: pub, rules: rules, clock: clock, logger: logging.Component(logger, "negotiation")}
}

func (e *Engine) Rules() Rules { return e.rules }

// Turn returns whose move it is on t.
func (e *Engine) Turn(t *models.Trip) models.Role { return TurnOf(len(t.Bids), e.rules.Opener) }

// SubmitResult separates "nothing changed" (an error from SubmitCounter)
// from "bid recorded but the push failed" (NotifyErr set).
type SubmitResult struct {
	Trip      *models.Trip
	Bid       models.Bid
	NextTurn  models.Role
	NotifyErr error
}

// SubmitCounter appends a bid if, and only if, it is role's turn on the
// authoritative copy. The turn check and the append happen under the same
// store lock; any client-side turn check is only advisory.
func (e *Engine) SubmitCounter(ctx context.Context, tripID string, role models.Role, userID string, price float64) (*SubmitResult, error) {
	if err := validateCounter(role, userID, price); err != nil {
		observability.BidsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}
	now := e.clock.Now()
	var bid models.Bid
	trip, err := e.store.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		if err := e.checkOpen(t, now); err != nil {
			return err
		}
		switch {
		case role == models.RoleConsumer && userID != t.ConsumerID:
			return errs.Invalid("userId", "is not the consumer of this trip")
		case role == models.RoleProvider && userID == t.ConsumerID:
			return errs.Invalid("userId", "cannot bid as provider on own trip")
		}
		if turn := e.Turn(t); role != turn {
			return errs.OutOfTurn("trip %s has %d bids, it is the %s's turn", t.ID, len(t.Bids), turn)
		}
		bid = models.Bid{Role: role, UserID: userID, SubmittedAt: now}
		if role == models.RoleConsumer {
			bid.ReducedPrice = price
		} else {
			bid.Price = price
		}
		t.Bids = append(t.Bids, bid)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		observability.BidsRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	observability.BidsSubmitted.WithLabelValues(string(role)).Inc()
	e.logger.Info("counter recorded", "trip_id", tripID, "role", role, "price", price, "bids", len(trip.Bids))

	res := &SubmitResult{Trip: trip, Bid: bid, NextTurn: e.Turn(trip)}
	if err := e.notify(ctx, trip, bid); err != nil {
		e.logger.Warn("counter push failed", "trip_id", tripID, "error", err)
		res.NotifyErr = err
	}
	return res, nil
}

// LatestOffer returns the most recent bid; ok is false when nobody has bid.
func (e *Engine) LatestOffer(ctx context.Context, tripID string) (models.Bid, bool, error) {
	t, err := e.store.GetTrip(ctx, tripID)
	if err != nil {
		return models.Bid{}, false, err
	}
	b, ok := t.LastBid()
	return b, ok, nil
}

// Expired reports whether t's window has closed at now.
func (e *Engine) Expired(t *models.Trip, now time.Time) bool {
	w, ok := WindowOf(t, e.rules.WindowDuration)
	return ok && w.Expired(now)
}

func (e *Engine) checkOpen(t *models.Trip, now time.Time) error {
	if t.Status != models.StatusCreated || t.BiddingStatus != models.BiddingStarted {
		return errs.NegotiationClosed("trip %s is %s with bidding %s", t.ID, t.Status, t.BiddingStatus)
	}
	if e.Expired(t, now) {
		w, _ := WindowOf(t, e.rules.WindowDuration)
		return errs.NegotiationClosed("bidding window for trip %s closed at %s", t.ID, w.Deadline().Format(time.RFC3339))
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, t *models.Trip, b models.Bid) error {
	if e.pub == nil {
		return nil
	}
	ev := models.Event{
		TripID:   t.ID,
		SenderID: b.UserID,
		Version:  t.Version,
		BidCount: len(t.Bids),
		At:       b.SubmittedAt,
	}
	if b.Role == models.RoleProvider {
		ev.Type = models.EventRevisedPrice
		ev.Recipients = []string{t.ConsumerID}
	} else {
		ev.Type = models.EventCounterPrice
		if pb, ok := t.LastBidBy(models.RoleProvider); ok {
			ev.Recipients = []string{pb.UserID}
		}
	}
	return e.pub.Publish(ctx, ev)
}

func validateCounter(role models.Role, userID string, price float64) error {
	if !role.Valid() {
		return errs.Invalid("role", "must be consumer or provider")
	}
	if userID == "" {
		return errs.Invalid("userId", "is required")
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return errs.Invalid("counterPrice", "must be a positive number")
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrOutOfTurn):
		return "out_of_turn"
	case errors.Is(err, errs.ErrNegotiationClosed):
		return "closed"
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
