// Package domain holds the shipment lifecycle entities shared by every engine component.
package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a shipment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBooked    Status = "booked"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Rank orders the forward states. Cancelled sits outside the ladder and ranks 0.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusBooked:
		return 2
	case StatusShipped:
		return 3
	case StatusDelivered:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCancelled || s.Rank() > 0
}

// CanTransitionTo reports whether moving from s to next keeps status monotonic.
// Nothing leaves cancelled; cancelled is reachable from every other state.
func (s Status) CanTransitionTo(next Status) bool {
	if s == StatusCancelled || !next.Valid() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	return next.Rank() >= s.Rank()
}

// Party is an address and contact snapshot taken when the shipment is created.
type Party struct {
	Name       string `json:"name" gorm:"column:name"`
	Company    string `json:"company,omitempty" gorm:"column:company"`
	Street     string `json:"street" gorm:"column:street"`
	City       string `json:"city" gorm:"column:city"`
	PostalCode string `json:"postal_code" gorm:"column:postal_code"`
	Country    string `json:"country" gorm:"column:country"`
	Phone      string `json:"phone,omitempty" gorm:"column:phone"`
	Email      string `json:"email,omitempty" gorm:"column:email"`
}

// RelayPoint is the pickup location chosen for relay deliveries. Empty Code means none.
type RelayPoint struct {
	Code       string `json:"code,omitempty" gorm:"column:code"`
	Name       string `json:"name,omitempty" gorm:"column:name"`
	Street     string `json:"street,omitempty" gorm:"column:street"`
	City       string `json:"city,omitempty" gorm:"column:city"`
	PostalCode string `json:"postal_code,omitempty" gorm:"column:postal_code"`
	Country    string `json:"country,omitempty" gorm:"column:country"`
}

// Shipment is one outbound (or return) consignment for a merchant order.
type Shipment struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(64)"`
	OrderRef       string     `json:"order_ref" gorm:"index"`
	ServiceID      string     `json:"service_id,omitempty"`
	APIQuoteID     string     `json:"api_quote_id,omitempty"`
	APIOfferID     string     `json:"api_offer_id,omitempty"`
	APIOrderID     string     `json:"api_order_id,omitempty" gorm:"index"`
	Shipper        Party      `json:"shipper" gorm:"embedded;embeddedPrefix:shipper_"`
	Recipient      Party      `json:"recipient" gorm:"embedded;embeddedPrefix:recipient_"`
	Relay          RelayPoint `json:"relay" gorm:"embedded;embeddedPrefix:relay_"`
	Status         Status     `json:"status" gorm:"type:varchar(16);index"`
	IsReturn       bool       `json:"is_return"`
	CollectionDate *time.Time `json:"collection_date,omitempty"`
	BookedAt       *time.Time `json:"booked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasRelay reports whether a relay point code is attached.
func (s *Shipment) HasRelay() bool {
	return strings.TrimSpace(s.Relay.Code) != ""
}

// Parcel is a physical package belonging to a shipment.
type Parcel struct {
	ID               string  `json:"id" gorm:"primaryKey;type:varchar(64)"`
	ShipmentID       string  `json:"shipment_id" gorm:"index"`
	Position         int     `json:"position"`
	Length           float64 `json:"length"`
	Width            float64 `json:"width"`
	Height           float64 `json:"height"`
	Weight           float64 `json:"weight"`
	Value            int64   `json:"value"`
	Currency         string  `json:"currency"`
	Description      string  `json:"description,omitempty"`
	ShipperReference string  `json:"shipper_reference,omitempty"`
	TrackingNumber   string  `json:"tracking_number,omitempty" gorm:"index"`
	LabelURL         string  `json:"label_url,omitempty"`
}

// ShipmentEvent is an append-only tracking record. (ShipmentID, Code, OccurredAt) is unique.
type ShipmentEvent struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	ShipmentID string    `json:"shipment_id" gorm:"uniqueIndex:idx_event_dedup,priority:1"`
	ParcelID   string    `json:"parcel_id,omitempty"`
	Code       string    `json:"code" gorm:"uniqueIndex:idx_event_dedup,priority:2"`
	Label      string    `json:"label"`
	OccurredAt time.Time `json:"occurred_at" gorm:"uniqueIndex:idx_event_dedup,priority:3"`
	Location   string    `json:"location,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event codes written by the engine itself.
const (
	EventCreated   = "CREATED"
	EventBooked    = "BOOKED"
	EventShipped   = "SHIPPED"
	EventDelivered = "DELIVERED"
	EventCancelled = "CANCELLED"
)

// EventCodeFor returns the engine event code recorded when a shipment enters status.
func EventCodeFor(status Status) string {
	switch status {
	case StatusBooked:
		return EventBooked
	case StatusShipped:
		return EventShipped
	case StatusDelivered:
		return EventDelivered
	case StatusCancelled:
		return EventCancelled
	default:
		return strings.ToUpper(string(status))
	}
}
