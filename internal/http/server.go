// Package httpapi exposes trips, payments and locations over REST and
// mounts the push channel.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-negotiation/internal/lifecycle"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/payments"
	"github.com/example/freight-negotiation/internal/realtime"
	"github.com/example/freight-negotiation/internal/tracking"
)

type Deps struct {
	Trips    *lifecycle.Manager
	Payments *payments.Tracker // nil when no gateway is configured
	Tracking *tracking.Service
	Hub      *realtime.Hub
	Auth     realtime.Authenticator
	Ready    func(r *http.Request) error
}

type Server struct {
	trips    *lifecycle.Manager
	payments *payments.Tracker
	tracking *tracking.Service
	hub      *realtime.Hub
	auth     realtime.Authenticator
	ready    func(r *http.Request) error
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{
		trips:    d.Trips,
		payments: d.Payments,
		tracking: d.Tracking,
		hub:      d.Hub,
		auth:     d.Auth,
		ready:    d.Ready,
		logger:   logging.Component(logger, "http"),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	trips := s.mux.PathPrefix("/trips").Subrouter()
	trips.HandleFunc("/create", s.authenticated(s.handleCreateTrip)).Methods(http.MethodPost)
	trips.HandleFunc("/open", s.handleOpenTrips).Methods(http.MethodGet)
	trips.HandleFunc("/counterPrice", s.authenticated(s.handleCounterPrice)).Methods(http.MethodPatch)
	trips.HandleFunc("/status", s.authenticated(s.handleStatus)).Methods(http.MethodPatch)
	trips.HandleFunc("/history/{userId}", s.handleHistory).Methods(http.MethodGet)
	trips.HandleFunc("/customer/{userId}", s.handleCustomerTrips).Methods(http.MethodGet)
	trips.HandleFunc("/owner/{userId}/progressTrip", s.handleProviderInProgress).Methods(http.MethodGet)
	trips.HandleFunc("/{id}", s.handleGetTrip).Methods(http.MethodGet)
	trips.HandleFunc("/{id}/startBidding", s.authenticated(s.handleStartBidding)).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/milestones", s.authenticated(s.handleMilestone)).Methods(http.MethodPost)
	trips.HandleFunc("/{id}/latestOffer", s.handleLatestOffer).Methods(http.MethodGet)
	trips.HandleFunc("/{id}/nextPayment", s.handleNextPayment).Methods(http.MethodGet)

	wallet := s.mux.PathPrefix("/wallet").Subrouter()
	wallet.HandleFunc("/checkout", s.authenticated(s.handleCheckout)).Methods(http.MethodPost)
	wallet.HandleFunc("/paymentVerification", s.authenticated(s.handleVerifyPayment)).Methods(http.MethodPost)
	wallet.HandleFunc("/{userId}", s.authenticated(s.handleWallet)).Methods(http.MethodGet)

	s.mux.HandleFunc("/locations", s.authenticated(s.handleSaveLocation)).Methods(http.MethodPost)
	s.mux.HandleFunc("/locations/{userId}", s.handleGetLocation).Methods(http.MethodGet)

	s.mux.Handle("/ws", realtime.Handler(s.hub, s.auth)).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
