// Package errs defines the error taxonomy shared by the negotiation and
// lifecycle packages. Callers classify with errors.Is against the sentinels.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidState      = errors.New("invalid state")
	ErrOutOfTurn         = errors.New("out of turn")
	ErrNegotiationClosed = errors.New("negotiation closed")
	ErrNotFound          = errors.New("not found")
	ErrNetwork           = errors.New("network error")
	ErrChannel           = errors.New("channel error")
	ErrPaymentGateway    = errors.New("payment gateway error")
	ErrForbidden         = errors.New("forbidden")
)

// ValidationError names the input field that was missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func OutOfTurn(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOutOfTurn, fmt.Sprintf(format, args...))
}

func NegotiationClosed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNegotiationClosed, fmt.Sprintf(format, args...))
}

// Forbidden reports an authenticated caller acting outside its role on a
// trip.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// Gateway wraps a payment provider failure.
func Gateway(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPaymentGateway, op, err)
}

// Channel wraps a push transport failure.
func Channel(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrChannel, op, err)
}

// Network wraps a REST transport failure.
func Network(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

// Retryable reports whether err is a transient transport or gateway failure
// that a caller may retry with backoff. Lifecycle and negotiation errors are
// never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrChannel) || errors.Is(err, ErrPaymentGateway)
}

// RefreshRequired reports whether the caller's copy of the trip is stale and
// must be refetched before acting again.
func RefreshRequired(err error) bool {
	return errors.Is(err, ErrOutOfTurn) || errors.Is(err, ErrNegotiationClosed)
}

// Kind is the stable wire name of err's category, used in API error bodies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrOutOfTurn):
		return "out_of_turn"
	case errors.Is(err, ErrNegotiationClosed):
		return "negotiation_closed"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPaymentGateway):
		return "payment_gateway"
	case errors.Is(err, ErrChannel):
		return "channel"
	case errors.Is(err, ErrNetwork):
		return "network"
	}
	return "internal"
}

// FromKind rebuilds a classified error from its wire form.
func FromKind(kind, field, message string) error {
	switch kind {
	case "validation":
		return &ValidationError{Field: field, Reason: message}
	case "out_of_turn":
		return fmt.Errorf("%w: %s", ErrOutOfTurn, message)
	case "negotiation_closed":
		return fmt.Errorf("%w: %s", ErrNegotiationClosed, message)
	case "invalid_state":
		return fmt.Errorf("%w: %s", ErrInvalidState, message)
	case "not_found":
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case "forbidden":
		return fmt.Errorf("%w: %s", ErrForbidden, message)
	case "payment_gateway":
		return fmt.Errorf("%w: %s", ErrPaymentGateway, message)
	case "channel":
		return fmt.Errorf("%w: %s", ErrChannel, message)
	case "network":
		return fmt.Errorf("%w: %s", ErrNetwork, message)
	}
	return errors.New(message)
}
