package shipper_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tournevent/shipsync/pkg/shipper"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    shipper.Category
	}{
		{"Order not booked yet", shipper.CategoryOrderNotBooked},
		{"This order is already cancelled", shipper.CategoryOrderAlreadyCancelled},
		{"Order already shipped", shipper.CategoryOrderAlreadyShipped},
		{"Order already delivered", shipper.CategoryOrderAlreadyDelivered},
		{"Invalid postal code for country", shipper.CategoryInvalidAddress},
		{"API error (401): Unauthorized", shipper.CategoryAuthenticationFailed},
		{"No offer matches your request", shipper.CategoryNoOffersAvailable},
		{"Weight exceeds the maximum", shipper.CategoryInvalidParcel},
		{"API error (502): Bad gateway", shipper.CategoryServiceUnavailable},
		{"connection refused", shipper.CategoryServiceUnavailable},
		{"Something odd happened", shipper.CategoryUnknown},
		{"", shipper.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, shipper.Classify(tt.message))
		})
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// "cancelled" is listed before the address patterns.
	assert.Equal(t, shipper.CategoryOrderAlreadyCancelled, shipper.Classify("postal code check cancelled"))
	// "not booked" comes before "not available".
	assert.Equal(t, shipper.CategoryOrderNotBooked, shipper.Classify("label not available: order not booked"))
}

func TestNewAPIError(t *testing.T) {
	err := shipper.NewAPIError(503, "upstream down")
	assert.Equal(t, "API error (503): upstream down", err.Message)
	assert.Equal(t, shipper.CategoryServiceUnavailable, err.Category)
	assert.Equal(t, "shipping api: API error (503): upstream down", err.Error())
	assert.NotEmpty(t, err.UserMessage())

	plain := shipper.NewAPIError(0, "No offer for this route")
	assert.Equal(t, "No offer for this route", plain.Message)
	assert.Equal(t, shipper.CategoryNoOffersAvailable, plain.Category)
}

func TestAPIError_UnwrapAndIs(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := shipper.NewAPIError(0, "request failed: timeout").WithCause(cause)

	wrapped := fmt.Errorf("quote: %w", err)
	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, errors.Is(wrapped, &shipper.APIError{Category: shipper.CategoryServiceUnavailable}))
	assert.Equal(t, shipper.CategoryServiceUnavailable, shipper.CategoryOf(wrapped))
	assert.Equal(t, shipper.CategoryUnknown, shipper.CategoryOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, shipper.IsRetryable(shipper.NewAPIError(500, "boom")))
	assert.True(t, shipper.IsRetryable(shipper.NewAPIError(0, "timeout")))
	assert.False(t, shipper.IsRetryable(shipper.NewAPIError(422, "invalid address")))
	assert.False(t, shipper.IsRetryable(errors.New("plain")))
}

func TestCategory_MessageFallback(t *testing.T) {
	assert.Equal(t, shipper.CategoryUnknown.Message(), shipper.Category("nope").Message())
}
