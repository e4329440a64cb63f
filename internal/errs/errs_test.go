package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	gw := Gateway("capture", errors.New("card declined"))
	assert.ErrorIs(t, gw, ErrPaymentGateway)
	assert.True(t, Retryable(gw))
	assert.Contains(t, gw.Error(), "card declined")

	turn := fmt.Errorf("submit: %w", OutOfTurn("provider's turn"))
	assert.True(t, RefreshRequired(turn))
	assert.False(t, Retryable(turn))

	var ve *ValidationError
	assert.ErrorAs(t, Invalid("counterPrice", "must be positive"), &ve)
	assert.Equal(t, "counterPrice", ve.Field)
	assert.ErrorIs(t, ve, ErrValidation)
}

func TestKindRoundTrip(t *testing.T) {
	for _, err := range []error{
		Invalid("tripId", "is required"),
		OutOfTurn("x"),
		NegotiationClosed("x"),
		InvalidState("x"),
		NotFound("trip", "t1"),
		Forbidden("not the provider"),
		Gateway("op", errors.New("x")),
		Channel("op", errors.New("x")),
		Network("op", errors.New("x")),
	} {
		kind := Kind(err)
		back := FromKind(kind, "tripId", "msg")
		assert.Equal(t, kind, Kind(back), kind)
	}
	assert.Equal(t, "internal", Kind(errors.New("boom")))
}
