package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/lifecycle"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/storage"
)

type counterRequest struct {
	TripID       string      `json:"tripId"`
	UserID       string      `json:"userId"`
	Role         models.Role `json:"role"`
	CounterPrice float64     `json:"counterPrice"`
}

type statusRequest struct {
	TripID   string      `json:"tripId"`
	Action   string      `json:"action"`
	BidIndex int         `json:"bidIndex"`
	Role     models.Role `json:"role"`
	UserID   string      `json:"userId"`
	Reason   string      `json:"reason"`
}

type milestoneRequest struct {
	Milestone models.Milestone `json:"milestone"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
}

type latestOfferResponse struct {
	Offer    *models.Bid `json:"offer"`
	Amount   float64     `json:"amount,omitempty"`
	NextTurn models.Role `json:"nextTurn"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateTripRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	uid, _, err := actingAs(r.Context(), req.ConsumerID, models.RoleConsumer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ConsumerID = uid
	trip, err := s.trips.CreateTrip(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleStartBidding(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	trip, err := s.trips.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if uid := callerFrom(r.Context()).UserID; uid != trip.ConsumerID {
		s.writeError(w, r, errs.Forbidden("only the consumer of trip %s opens bidding", id))
		return
	}
	trip, err = s.trips.StartBidding(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// handleCounterPrice records a bid. When the bid is stored but the push to
// the counterpart failed, the response still succeeds and carries
// X-Push-Status: failed.
func (s *Server) handleCounterPrice(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TripID == "" {
		s.writeError(w, r, errs.Invalid("tripId", "is required"))
		return
	}
	uid, role, err := actingAs(r.Context(), req.UserID, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.trips.SubmitCounter(r.Context(), req.TripID, role, uid, req.CounterPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.NotifyErr != nil {
		w.Header().Set("X-Push-Status", "failed")
	}
	writeJSON(w, http.StatusOK, res.Trip)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TripID == "" {
		s.writeError(w, r, errs.Invalid("tripId", "is required"))
		return
	}
	ctx := r.Context()
	uid, role, err := actingAs(ctx, req.UserID, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var trip *models.Trip
	switch req.Action {
	case "accept":
		trip, err = s.trips.AcceptBid(ctx, req.TripID, role, uid, req.BidIndex)
	case "start", "complete", "cancel":
		if _, err = s.participant(ctx, req.TripID); err != nil {
			break
		}
		switch req.Action {
		case "start":
			trip, err = s.trips.AdvanceToInProgress(ctx, req.TripID)
		case "complete":
			trip, err = s.trips.Complete(ctx, req.TripID)
		default:
			trip, err = s.trips.Cancel(ctx, req.TripID, req.Reason)
		}
	default:
		err = errs.Invalid("action", "must be one of accept, start, complete, cancel")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	var req milestoneRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos := models.Coord{Lat: req.Latitude, Lon: req.Longitude}
	uid := callerFrom(r.Context()).UserID
	trip, err := s.trips.RecordMilestone(r.Context(), mux.Vars(r)["id"], uid, req.Milestone, pos)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleLatestOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	trip, err := s.trips.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := latestOfferResponse{NextTurn: s.trips.Turn(trip)}
	if bid, ok := trip.LastBid(); ok {
		resp.Offer = &bid
		resp.Amount = bid.Amount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenTrips(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, storage.TripFilter{
		Statuses:        []models.TripStatus{models.StatusCreated},
		BiddingStatuses: []models.BiddingStatus{models.BiddingStarted},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, storage.TripFilter{
		ParticipantID: mux.Vars(r)["userId"],
		Statuses:      []models.TripStatus{models.StatusCompleted, models.StatusCancelled},
	})
}

func (s *Server) handleCustomerTrips(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, storage.TripFilter{ConsumerID: mux.Vars(r)["userId"]})
}

func (s *Server) handleProviderInProgress(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, storage.TripFilter{
		ProviderID: mux.Vars(r)["userId"],
		Statuses:   []models.TripStatus{models.StatusInProgress},
	})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, f storage.TripFilter) {
	trips, err := s.trips.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trips == nil {
		trips = []*models.Trip{}
	}
	writeJSON(w, http.StatusOK, trips)
}
