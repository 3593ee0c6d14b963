package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tournevent/shipsync/internal/domain"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusPending, domain.StatusBooked, true},
		{domain.StatusPending, domain.StatusDelivered, true},
		{domain.StatusBooked, domain.StatusBooked, true},
		{domain.StatusShipped, domain.StatusBooked, false},
		{domain.StatusDelivered, domain.StatusShipped, false},
		{domain.StatusDelivered, domain.StatusPending, false},
		{domain.StatusPending, domain.StatusCancelled, true},
		{domain.StatusShipped, domain.StatusCancelled, true},
		{domain.StatusDelivered, domain.StatusCancelled, true},
		{domain.StatusCancelled, domain.StatusBooked, false},
		{domain.StatusCancelled, domain.StatusDelivered, false},
		{domain.StatusCancelled, domain.StatusCancelled, false},
		{domain.StatusBooked, domain.Status("lost"), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_Rank(t *testing.T) {
	assert.Less(t, domain.StatusPending.Rank(), domain.StatusBooked.Rank())
	assert.Less(t, domain.StatusBooked.Rank(), domain.StatusShipped.Rank())
	assert.Less(t, domain.StatusShipped.Rank(), domain.StatusDelivered.Rank())
	assert.Equal(t, 0, domain.StatusCancelled.Rank())
}

func TestService_TrackingLink(t *testing.T) {
	svc := &domain.Service{TrackingURL: "https://track.example.com/?n={tracking_number}"}
	assert.Equal(t, "https://track.example.com/?n=1Z999", svc.TrackingLink("1Z999"))
	assert.Empty(t, svc.TrackingLink(""))

	var missing *domain.Service
	assert.Empty(t, missing.TrackingLink("1Z999"))
}

func TestErrors_Is(t *testing.T) {
	wrapped := fmt.Errorf("booking: %w", domain.NewValidationError("parcels", "at least one parcel is required"))
	assert.True(t, errors.Is(wrapped, domain.ErrValidation))
	assert.False(t, errors.Is(wrapped, domain.ErrConfiguration))

	assert.True(t, errors.Is(domain.NewConfigurationError("shipper.city", "missing"), domain.ErrConfiguration))
	assert.True(t, errors.Is(domain.NewNotFoundError("shipment", "s1"), domain.ErrNotFound))
	assert.Equal(t, `shipment "s1" not found`, domain.NewNotFoundError("shipment", "s1").Error())
}
