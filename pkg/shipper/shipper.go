// Package shipper provides the contract and wire models of the parcel-carrier aggregation API.
package shipper

import (
	"context"
)

// API defines the outbound operations of the carrier aggregation API.
type API interface {
	// RequestQuote asks every carrier product for a price on a shipment.
	RequestQuote(ctx context.Context, req *QuoteRequest) (*QuoteResult, error)

	// PlaceOrder books the offer and returns the remote order with per-parcel tracking.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)

	// GetOrder returns the raw order detail document.
	GetOrder(ctx context.Context, orderID string) (Document, error)

	// GetOrderTracking returns the raw tracking document for an order.
	GetOrderTracking(ctx context.Context, orderID string) (Document, error)

	// CancelOrder cancels a booked order.
	CancelOrder(ctx context.Context, orderID string) error

	// GetDeliveryLocations lists relay points available for a relay offer near a location.
	GetDeliveryLocations(ctx context.Context, offerID string, near LocationQuery) ([]DeliveryLocation, error)

	// LabelURL returns the direct label download URL of an order.
	LabelURL(orderID, format string) string
}
