package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/models"
)

type locationRequest struct {
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleSaveLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	uid, _, err := actingAs(r.Context(), req.UserID, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.tracking.Save(r.Context(), uid, models.Coord{Lat: req.Latitude, Lon: req.Longitude})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	pos, ok, err := s.tracking.Latest(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, errs.NotFound("location", userID))
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
