package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/realtime"
)

const identityKey contextKey = "identity"

// authenticated requires a bearer credential issued by the same
// authenticator as the push channel and stores the caller's identity on the
// request context.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.auth == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "bearer token required"})
			return
		}
		id, err := s.auth.Authenticate(strings.TrimSpace(tok))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "invalid bearer token"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

func callerFrom(ctx context.Context) realtime.Identity {
	id, _ := ctx.Value(identityKey).(realtime.Identity)
	return id
}

// actingAs resolves the user and role a request body claims against the
// authenticated caller. Empty body fields default to the caller.
func actingAs(ctx context.Context, userID string, role models.Role) (string, models.Role, error) {
	id := callerFrom(ctx)
	if userID != "" && userID != id.UserID {
		return "", "", errs.Forbidden("authenticated as %s, not %s", id.UserID, userID)
	}
	if role != "" && role != id.Role {
		return "", "", errs.Forbidden("authenticated as %s, not %s", id.Role, role)
	}
	return id.UserID, id.Role, nil
}

// participant loads tripID and requires the caller to be its consumer or
// its provider.
func (s *Server) participant(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	uid := callerFrom(ctx).UserID
	if uid != trip.ConsumerID && uid != trip.ProviderID {
		return nil, errs.Forbidden("%s is not a party to trip %s", uid, tripID)
	}
	return trip, nil
}
