package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/freight-negotiation/internal/errs"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func statusFor(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "out_of_turn", "negotiation_closed":
		return http.StatusConflict
	case "payment_gateway":
		return http.StatusBadGateway
	case "channel", "network":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err onto the API error body. Unclassified errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.Kind(err)
	body := errorBody{Error: kind, Message: err.Error(), Retryable: errs.Retryable(err)}
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
		body.Message = ve.Reason
	}
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err,
			"request_id", requestIDFromContext(r.Context()))
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Invalid("body", "malformed JSON")
	}
	return nil
}
