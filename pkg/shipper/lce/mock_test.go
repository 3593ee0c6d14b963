package lce_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/tournevent/shipsync/pkg/shipper/lce"
)

func TestMockClient_Defaults(t *testing.T) {
	mock := lce.NewMockClient()
	ctx := context.Background()

	quote, err := mock.RequestQuote(ctx, &shipper.QuoteRequest{})
	require.NoError(t, err)
	assert.Len(t, quote.Offers, 2)

	order, err := mock.PlaceOrder(ctx, &shipper.OrderRequest{Parcels: make([]shipper.Parcel, 2)})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	require.Len(t, order.Parcels, 2)
	assert.NotEqual(t, order.Parcels[0].TrackingNumber, order.Parcels[1].TrackingNumber)

	assert.Equal(t, 1, mock.Calls("RequestQuote"))
	assert.Equal(t, 1, mock.Calls("PlaceOrder"))
	assert.Equal(t, 0, mock.Calls("CancelOrder"))
}

func TestMockClient_SimulateErrors(t *testing.T) {
	mock := lce.NewMockClient()
	mock.SimulateErrors = true

	err := mock.CancelOrder(context.Background(), "ord-1")

	var apiErr *shipper.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, shipper.CategoryServiceUnavailable, apiErr.Category)
	assert.Equal(t, 1, mock.Calls("CancelOrder"))
}

func TestMockClient_Hook(t *testing.T) {
	mock := lce.NewMockClient()
	mock.OnGetOrder = func(ctx context.Context, orderID string) (shipper.Document, error) {
		return shipper.Document{"id": orderID, "state": "delivered"}, nil
	}

	doc, err := mock.GetOrder(context.Background(), "ord-5")
	require.NoError(t, err)
	assert.Equal(t, "delivered", doc.String("state"))
}
