package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/freight-negotiation/internal/errs"
)

type checkoutRequest struct {
	TripID string `json:"tripId"`
	UserID string `json:"userId"`
}

// verifyRequest accepts the order id under either its own name or the
// gateway callback's field name.
type verifyRequest struct {
	TripID         string `json:"tripId"`
	OrderID        string `json:"orderId"`
	GatewayOrderID string `json:"razorpay_order_id"`
}

func (v verifyRequest) orderID() string {
	if v.OrderID != "" {
		return v.OrderID
	}
	return v.GatewayOrderID
}

func (s *Server) paymentsEnabled(w http.ResponseWriter) bool {
	if s.payments != nil {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payment_gateway", Message: "payments are not configured"})
	return false
}

func (s *Server) handleNextPayment(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}
	due, ok, err := s.payments.NextDue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"due": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"due": due})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}
	var req checkoutRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TripID == "" {
		s.writeError(w, r, errs.Invalid("tripId", "is required"))
		return
	}
	uid, _, err := actingAs(r.Context(), req.UserID, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.payments.Checkout(r.Context(), req.TripID, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TripID == "" {
		s.writeError(w, r, errs.Invalid("tripId", "is required"))
		return
	}
	if _, err := s.participant(r.Context(), req.TripID); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.payments.Verify(r.Context(), req.TripID, req.orderID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if !s.paymentsEnabled(w) {
		return
	}
	uid, _, err := actingAs(r.Context(), mux.Vars(r)["userId"], "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := s.payments.Wallet(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}
