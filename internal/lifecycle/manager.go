// Package lifecycle drives a trip from creation through negotiation,
// transit and completion. Every transition is a compare-and-set against the
// authoritative copy in the trip store.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/negotiation"
	"github.com/example/freight-negotiation/internal/observability"
	"github.com/example/freight-negotiation/internal/payments"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
	"github.com/example/freight-negotiation/internal/tracking"
)

const ExpiredReason = "bidding window expired"

var errNoChange = errors.New("no change")

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Eligibility picks the providers told about a newly opened trip.
type Eligibility interface {
	EligibleProviders(ctx context.Context, t *models.Trip) ([]string, error)
}

// Watchers is notified when a trip can no longer change.
type Watchers interface {
	Forget(tripID string)
}

// Positions is the server's record of where each provider last reported.
type Positions interface {
	Latest(ctx context.Context, userID string) (models.Position, bool, error)
}

type Config struct {
	ProximityRadiusM float64
	// PositionMaxAge bounds how old a tracked position may be when it is
	// used to confirm a milestone. Zero accepts any age.
	PositionMaxAge time.Duration
}

type Deps struct {
	Store       storage.TripStore
	Timers      *timer.Service
	Engine      *negotiation.Engine
	Publisher   Publisher
	Eligibility Eligibility
	Watchers    Watchers
	// Positions, when set, must confirm the provider is near the milestone's
	// end of the route in addition to the position the caller reports.
	Positions Positions
	Clock     timer.Clock
	Logger    *slog.Logger
}

type Manager struct {
	store    storage.TripStore
	timers   *timer.Service
	engine   *negotiation.Engine
	pub      Publisher
	eligible Eligibility
	watchers Watchers
	tracked  Positions
	cfg      Config
	clock    timer.Clock
	logger   *slog.Logger
}

func NewManager(d Deps, cfg Config) *Manager {
	if d.Clock == nil {
		d.Clock = timer.RealClock()
	}
	if cfg.ProximityRadiusM <= 0 {
		cfg.ProximityRadiusM = tracking.DefaultRadiusM
	}
	return &Manager{
		store:    d.Store,
		timers:   d.Timers,
		engine:   d.Engine,
		pub:      d.Publisher,
		eligible: d.Eligibility,
		watchers: d.Watchers,
		tracked:  d.Positions,
		cfg:      cfg,
		clock:    d.Clock,
		logger:   logging.Component(d.Logger, "lifecycle"),
	}
}

type CreateTripRequest struct {
	ConsumerID string       `json:"userId"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	Pickup     models.Coord `json:"pickup"`
	Drop       models.Coord `json:"drop"`
	CargoType  string       `json:"cargoType"`
	Weight     json.Number  `json:"weight"`
	Dimensions string       `json:"dimensions,omitempty"`
	QuotePrice json.Number  `json:"quotePrice"`
	TripDate   string       `json:"tripDate"`
}

func (r CreateTripRequest) cargo() (models.CargoDetails, error) {
	if strings.TrimSpace(r.CargoType) == "" {
		return models.CargoDetails{}, errs.Invalid("cargoType", "is required")
	}
	quote, err := positive("quotePrice", r.QuotePrice)
	if err != nil {
		return models.CargoDetails{}, err
	}
	weight, err := positive("weight", r.Weight)
	if err != nil {
		return models.CargoDetails{}, err
	}
	return models.CargoDetails{Type: r.CargoType, WeightKg: weight, Dimensions: r.Dimensions, QuotePrice: quote}, nil
}

func positive(field string, n json.Number) (float64, error) {
	if n == "" {
		return 0, errs.Invalid(field, "is required")
	}
	v, err := n.Float64()
	if err != nil {
		return 0, errs.Invalid(field, "must be numeric")
	}
	if v <= 0 {
		return 0, errs.Invalid(field, "must be greater than zero")
	}
	return v, nil
}

func parseTripDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errs.Invalid("tripDate", "is required")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errs.Invalid("tripDate", "must be RFC3339 or YYYY-MM-DD")
}

// CreateTrip validates req and stores a new trip that is not yet open for
// bidding.
func (m *Manager) CreateTrip(ctx context.Context, req CreateTripRequest) (*models.Trip, error) {
	if strings.TrimSpace(req.ConsumerID) == "" {
		return nil, errs.Invalid("userId", "is required")
	}
	cargo, err := req.cargo()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.From) == "" {
		return nil, errs.Invalid("from", "is required")
	}
	if strings.TrimSpace(req.To) == "" {
		return nil, errs.Invalid("to", "is required")
	}
	date, err := parseTripDate(req.TripDate)
	if err != nil {
		return nil, err
	}
	if err := tracking.ValidCoord(req.Pickup); err != nil {
		return nil, errs.Invalid("pickup", err.Error())
	}
	if err := tracking.ValidCoord(req.Drop); err != nil {
		return nil, errs.Invalid("drop", err.Error())
	}

	now := m.clock.Now()
	t := &models.Trip{
		ID:            uuid.NewString(),
		ConsumerID:    req.ConsumerID,
		From:          req.From,
		To:            req.To,
		Pickup:        req.Pickup,
		Drop:          req.Drop,
		Cargo:         cargo,
		TripDate:      date,
		Status:        models.StatusCreated,
		BiddingStatus: models.BiddingNotStarted,
		Bids:          []models.Bid{},
		Transactions:  []models.Transaction{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()
	m.logger.Info("trip created", "trip_id", t.ID, "consumer_id", t.ConsumerID, "from", t.From, "to", t.To)
	return t, nil
}

// StartBidding opens the negotiation window and tells nearby providers.
func (m *Manager) StartBidding(ctx context.Context, tripID string) (*models.Trip, error) {
	now := m.clock.Now()
	trip, err := m.store.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		if t.Status != models.StatusCreated || t.BiddingStatus != models.BiddingNotStarted {
			return errs.InvalidState("cannot start bidding on trip %s: %s/%s", t.ID, t.Status, t.BiddingStatus)
		}
		t.BiddingStatus = models.BiddingStarted
		t.BiddingStartTime = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.TripTransitions.WithLabelValues(string(models.BiddingStarted)).Inc()
	if err := m.armWindow(trip); err != nil {
		m.logger.Error("arming bidding window failed", "trip_id", tripID, "error", err)
	}

	var recipients []string
	if m.eligible != nil {
		recipients, err = m.eligible.EligibleProviders(ctx, trip)
		if err != nil {
			m.logger.Warn("eligible providers lookup failed", "trip_id", tripID, "error", err)
		}
	}
	m.publish(ctx, trip, models.EventNewTrip, "bidding opened", recipients...)
	m.logger.Info("bidding started", "trip_id", tripID, "providers_notified", len(recipients))
	return trip, nil
}

func (m *Manager) armWindow(t *models.Trip) error {
	w, ok := negotiation.WindowOf(t, m.engine.Rules().WindowDuration)
	if !ok {
		return errs.InvalidState("trip %s has no bidding start time", t.ID)
	}
	m.timers.StartWindow(w.TripID, w.StartedAt, w.Duration)
	_, err := m.timers.OnExpire(w.TripID, func(timer.Window) { m.expire(t.ID) })
	return err
}

// SubmitCounter records a counter-price. See negotiation.Engine.
func (m *Manager) SubmitCounter(ctx context.Context, tripID string, role models.Role, userID string, price float64) (*negotiation.SubmitResult, error) {
	return m.engine.SubmitCounter(ctx, tripID, role, userID, price)
}

// Turn reports whose move it is on t.
func (m *Manager) Turn(t *models.Trip) models.Role { return m.engine.Turn(t) }

func (m *Manager) LatestOffer(ctx context.Context, tripID string) (models.Bid, bool, error) {
	return m.engine.LatestOffer(ctx, tripID)
}

// AcceptBid closes negotiation on the bid at bidIndex. Only the most recent
// bid can be accepted, and only by the party whose turn it is.
func (m *Manager) AcceptBid(ctx context.Context, tripID string, role models.Role, userID string, bidIndex int) (*models.Trip, error) {
	if !role.Valid() {
		return nil, errs.Invalid("role", "must be consumer or provider")
	}
	if userID == "" {
		return nil, errs.Invalid("userId", "is required")
	}
	now := m.clock.Now()
	trip, err := m.store.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		if t.Status != models.StatusCreated || t.BiddingStatus != models.BiddingStarted {
			return errs.InvalidState("trip %s is %s with bidding %s", t.ID, t.Status, t.BiddingStatus)
		}
		if m.engine.Expired(t, now) {
			return errs.InvalidState("bidding window for trip %s has expired", t.ID)
		}
		if len(t.Bids) == 0 {
			return errs.InvalidState("trip %s has no bids to accept", t.ID)
		}
		if bidIndex != len(t.Bids)-1 {
			return errs.Invalid("bidIndex", "must reference the latest bid")
		}
		if turn := m.engine.Turn(t); role != turn {
			return errs.OutOfTurn("only the %s may accept bid %d of trip %s", turn, bidIndex, t.ID)
		}
		provider, ok := t.LastBidBy(models.RoleProvider)
		if !ok {
			return errs.InvalidState("trip %s has no provider bid", t.ID)
		}
		switch role {
		case models.RoleConsumer:
			if userID != t.ConsumerID {
				return errs.Invalid("userId", "is not the consumer of this trip")
			}
		case models.RoleProvider:
			if userID != provider.UserID {
				return errs.Invalid("userId", "is not the provider negotiating this trip")
			}
		}
		last := t.Bids[bidIndex]
		t.BiddingStatus = models.BiddingAccepted
		t.FinalPrice = last.Amount()
		t.ProviderID = provider.UserID
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.timers.Stop(tripID)
	observability.TripTransitions.WithLabelValues(string(models.BiddingAccepted)).Inc()
	m.logger.Info("bid accepted", "trip_id", tripID, "by", role, "final_price", trip.FinalPrice, "provider_id", trip.ProviderID)
	m.publish(ctx, trip, models.EventTripStatus, "bid accepted", participants(trip)...)
	return trip, nil
}

// AdvanceToInProgress starts transit once the booking stage is paid.
func (m *Manager) AdvanceToInProgress(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.transition(ctx, tripID, models.StatusInProgress, func(t *models.Trip) error {
		if t.Status != models.StatusCreated || t.BiddingStatus != models.BiddingAccepted {
			return errs.InvalidState("trip %s is %s with bidding %s", t.ID, t.Status, t.BiddingStatus)
		}
		if !t.HasStagePaid(string(payments.StageBooking)) {
			return errs.InvalidState("trip %s booking payment is outstanding", t.ID)
		}
		return nil
	})
}

// Complete closes a trip whose bill has been accepted. Every stage before
// the final one must already be paid: the majority stage is only payable
// while the trip is in progress.
func (m *Manager) Complete(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.transition(ctx, tripID, models.StatusCompleted, func(t *models.Trip) error {
		if t.Status != models.StatusInProgress {
			return errs.InvalidState("trip %s is %s, not inProgress", t.ID, t.Status)
		}
		if !t.Milestones.BillAccepted {
			return errs.InvalidState("trip %s bill has not been accepted", t.ID)
		}
		for _, st := range []payments.Stage{payments.StageBooking, payments.StageMajority} {
			if !t.HasStagePaid(string(st)) {
				return errs.InvalidState("trip %s %s payment is outstanding", t.ID, st)
			}
		}
		return nil
	})
}

// Cancel ends a trip from any non-terminal state.
func (m *Manager) Cancel(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	return m.transition(ctx, tripID, models.StatusCancelled, func(t *models.Trip) error {
		if t.Status.Terminal() {
			return errs.InvalidState("trip %s is already %s", t.ID, t.Status)
		}
		t.CancelReason = reason
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, tripID string, to models.TripStatus, check func(*models.Trip) error) (*models.Trip, error) {
	now := m.clock.Now()
	trip, err := m.store.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		if err := check(t); err != nil {
			return err
		}
		t.Status = to
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.TripTransitions.WithLabelValues(string(to)).Inc()
	if to.Terminal() {
		m.timers.Stop(tripID)
	}
	m.logger.Info("trip transitioned", "trip_id", tripID, "status", to)
	m.publish(ctx, trip, models.EventTripStatus, string(to), participants(trip)...)
	return trip, nil
}

// RecordMilestone marks goods receipt or bill acceptance on behalf of the
// trip's provider. Each is only accepted near the relevant end of the route,
// judged by the reported position and, when tracking is wired, by the
// provider's last tracked position as well.
func (m *Manager) RecordMilestone(ctx context.Context, tripID, userID string, ms models.Milestone, pos models.Coord) (*models.Trip, error) {
	if userID == "" {
		return nil, errs.Invalid("userId", "is required")
	}
	if err := tracking.ValidCoord(pos); err != nil {
		return nil, err
	}
	tracked, err := m.trackedPosition(ctx, userID)
	if err != nil {
		return nil, err
	}
	radius := m.cfg.ProximityRadiusM
	near := func(target models.Coord, label string) error {
		if !tracking.IsWithin(pos, target, radius) {
			return errs.InvalidState("position is not within %.0fm of the %s point", radius, label)
		}
		if tracked != nil && !tracking.IsWithin(tracked.Loc, target, radius) {
			return errs.InvalidState("tracked position is not within %.0fm of the %s point", radius, label)
		}
		return nil
	}
	now := m.clock.Now()
	trip, err := m.store.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		if t.Status != models.StatusInProgress {
			return errs.InvalidState("trip %s is %s, not inProgress", t.ID, t.Status)
		}
		if userID != t.ProviderID {
			return errs.Forbidden("only the provider of trip %s records milestones", t.ID)
		}
		switch ms {
		case models.MilestoneGoodsReceipt:
			if t.Milestones.GoodsReceiptAccepted {
				return errs.InvalidState("goods receipt already accepted for trip %s", t.ID)
			}
			if err := near(t.Pickup, "pickup"); err != nil {
				return err
			}
			t.Milestones.GoodsReceiptAccepted = true
			t.Milestones.GoodsReceiptBy = userID
			t.Milestones.GoodsReceiptAt = &now
		case models.MilestoneBill:
			if !t.Milestones.GoodsReceiptAccepted {
				return errs.InvalidState("goods receipt must be accepted before the bill for trip %s", t.ID)
			}
			if t.Milestones.BillAccepted {
				return errs.InvalidState("bill already accepted for trip %s", t.ID)
			}
			if err := near(t.Drop, "drop"); err != nil {
				return err
			}
			t.Milestones.BillAccepted = true
			t.Milestones.BillBy = userID
			t.Milestones.BillAt = &now
		default:
			return errs.Invalid("milestone", "must be grAccepted or billAccepted")
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.TripTransitions.WithLabelValues(string(ms)).Inc()
	m.logger.Info("milestone recorded", "trip_id", tripID, "milestone", ms, "by", userID)
	m.publish(ctx, trip, models.EventTripStatus, string(ms), participants(trip)...)
	return trip, nil
}

// trackedPosition returns nil when tracking is not wired. When it is, a
// missing or stale position is an error.
func (m *Manager) trackedPosition(ctx context.Context, userID string) (*models.Position, error) {
	if m.tracked == nil {
		return nil, nil
	}
	p, ok, err := m.tracked.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.InvalidState("no tracked position for %s", userID)
	}
	if age := m.cfg.PositionMaxAge; age > 0 && m.clock.Now().Sub(p.UpdatedAt) > age {
		return nil, errs.InvalidState("tracked position for %s is older than %s", userID, age)
	}
	return &p, nil
}

func (m *Manager) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.store.GetTrip(ctx, tripID)
}

func (m *Manager) List(ctx context.Context, f storage.TripFilter) ([]*models.Trip, error) {
	return m.store.ListTrips(ctx, f)
}

// RestoreWindows re-arms the expiry timer of every trip still open for
// bidding, measured from its stored start time. It returns how many were
// armed.
func (m *Manager) RestoreWindows(ctx context.Context) (int, error) {
	open, err := m.store.ListTrips(ctx, storage.TripFilter{
		Statuses:        []models.TripStatus{models.StatusCreated},
		BiddingStatuses: []models.BiddingStatus{models.BiddingStarted},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range open {
		if err := m.armWindow(t); err != nil {
			m.logger.Warn("restoring window failed", "trip_id", t.ID, "error", err)
			continue
		}
		n++
	}
	m.logger.Info("bidding windows restored", "count", n)
	return n, nil
}

func (m *Manager) expire(tripID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := m.clock.Now()
	trip, err := m.store.UpdateTrip(ctx, tripID, func(t *models.Trip) error {
		if t.Status != models.StatusCreated || t.BiddingStatus != models.BiddingStarted {
			return errNoChange
		}
		t.Status = models.StatusCancelled
		t.CancelReason = ExpiredReason
		t.UpdatedAt = now
		return nil
	})
	m.timers.Stop(tripID)
	if errors.Is(err, errNoChange) {
		return
	}
	if err != nil {
		m.logger.Error("expiring trip failed", "trip_id", tripID, "error", err)
		return
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	m.logger.Info("bidding window expired", "trip_id", tripID, "bids", len(trip.Bids))
	m.publish(ctx, trip, models.EventTripStatus, ExpiredReason, participants(trip)...)
}

func (m *Manager) publish(ctx context.Context, t *models.Trip, typ models.EventType, msg string, recipients ...string) {
	if m.pub != nil {
		ev := models.Event{
			Type:       typ,
			TripID:     t.ID,
			Message:    msg,
			Version:    t.Version,
			BidCount:   len(t.Bids),
			Recipients: recipients,
			At:         t.UpdatedAt,
		}
		if err := m.pub.Publish(ctx, ev); err != nil {
			m.logger.Warn("event push failed", "trip_id", t.ID, "type", typ, "error", err)
		}
	}
	if t.Status.Terminal() && m.watchers != nil {
		m.watchers.Forget(t.ID)
	}
}

// participants lists the consumer and every provider that bid.
func participants(t *models.Trip) []string {
	seen := map[string]bool{t.ConsumerID: true}
	out := []string{t.ConsumerID}
	if t.ProviderID != "" && !seen[t.ProviderID] {
		seen[t.ProviderID] = true
		out = append(out, t.ProviderID)
	}
	for _, b := range t.Bids {
		if b.Role == models.RoleProvider && !seen[b.UserID] {
			seen[b.UserID] = true
			out = append(out, b.UserID)
		}
	}
	return out
}
