// Package store persists shipments, quotes, services and webhook receipts.
package store

import (
	"context"
	"time"

	"github.com/tournevent/shipsync/internal/domain"
)

// ShipmentFilter narrows ListShipments. Zero fields match everything.
type ShipmentFilter struct {
	Statuses     []domain.Status
	OrderRef     string
	CreatedAfter time.Time
	WithAPIOrder bool
	Limit        int
}

// ShipmentStore persists shipments, parcels and their event log.
type ShipmentStore interface {
	CreateShipment(ctx context.Context, s *domain.Shipment) error
	GetShipment(ctx context.Context, id string) (*domain.Shipment, error)
	FindShipmentByAPIOrderID(ctx context.Context, apiOrderID string) (*domain.Shipment, error)
	UpdateShipment(ctx context.Context, s *domain.Shipment) error
	ListShipments(ctx context.Context, filter ShipmentFilter) ([]*domain.Shipment, error)

	CreateParcel(ctx context.Context, p *domain.Parcel) error
	UpdateParcel(ctx context.Context, p *domain.Parcel) error
	ListParcels(ctx context.Context, shipmentID string) ([]*domain.Parcel, error)

	// AppendEvent stores ev unless an event with the same shipment, code and
	// time already exists. It reports whether a row was inserted.
	AppendEvent(ctx context.Context, ev *domain.ShipmentEvent) (bool, error)
	ListEvents(ctx context.Context, shipmentID string) ([]*domain.ShipmentEvent, error)
}

// QuoteStore persists quotes and their offers.
type QuoteStore interface {
	CreateQuote(ctx context.Context, q *domain.Quote) error
	GetQuote(ctx context.Context, id string) (*domain.Quote, error)
	// LatestQuote returns the newest quote for the cart and address, or a NotFoundError.
	LatestQuote(ctx context.Context, cartID, addressID string) (*domain.Quote, error)
	DeleteQuotes(ctx context.Context, cartID string) error

	CreateOffer(ctx context.Context, o *domain.Offer) error
	ListOffers(ctx context.Context, quoteID string) ([]*domain.Offer, error)
}

// ServiceStore persists carrier services.
type ServiceStore interface {
	GetService(ctx context.Context, id string) (*domain.Service, error)
	FindServiceByCode(ctx context.Context, code string) (*domain.Service, error)
	CreateService(ctx context.Context, s *domain.Service) error
	ListActiveServices(ctx context.Context) ([]*domain.Service, error)
}

// WebhookStore is the idempotency ledger of inbound webhook events.
type WebhookStore interface {
	// ClaimWebhook records eventID and reports true only for the first claim.
	ClaimWebhook(ctx context.Context, eventID string, at time.Time) (bool, error)
	// ReleaseWebhook forgets a claim so a redelivery is processed again.
	ReleaseWebhook(ctx context.Context, eventID string) error
}

// Store is the full persistence surface.
type Store interface {
	ShipmentStore
	QuoteStore
	ServiceStore
	WebhookStore
}
