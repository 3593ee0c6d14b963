package domain

import (
	"strings"
	"time"
)

// Quote is a cached price request for a cart and destination.
type Quote struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	CartID     string    `json:"cart_id" gorm:"index:idx_quote_cart,priority:1"`
	AddressID  string    `json:"address_id" gorm:"index:idx_quote_cart,priority:2"`
	APIQuoteID string    `json:"api_quote_id"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// Offer is one priced product returned for a quote. Prices are minor currency units.
type Offer struct {
	ID             string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	QuoteID        string `json:"quote_id" gorm:"index"`
	ServiceID      string `json:"service_id"`
	APIOfferID     string `json:"api_offer_id"`
	ProductCode    string `json:"product_code"`
	BasePrice      int64  `json:"base_price"`
	TotalPrice     int64  `json:"total_price"`
	InsurancePrice int64  `json:"insurance_price"`
	Currency       string `json:"currency"`
	DeliveryDays   string `json:"delivery_days,omitempty"`
}

// Service is a carrier product, materialized the first time the API offers it.
type Service struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Code        string `json:"code" gorm:"uniqueIndex"`
	CarrierCode string `json:"carrier_code"`
	Name        string `json:"name"`
	Relay       bool   `json:"relay"`
	PickUp      bool   `json:"pick_up"`
	DropOff     bool   `json:"drop_off"`
	TrackingURL string `json:"tracking_url,omitempty"`
	Active      bool   `json:"active"`
}

// TrackingLink renders the carrier tracking URL for number, or "" without a template.
func (s *Service) TrackingLink(number string) string {
	if s == nil || s.TrackingURL == "" || number == "" {
		return ""
	}
	return strings.ReplaceAll(s.TrackingURL, "{tracking_number}", number)
}

// Address is a customer address known to the merchant's order pipeline.
type Address struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Company    string `json:"company,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// WebhookReceipt records an inbound webhook event id that has been claimed.
type WebhookReceipt struct {
	EventID    string    `gorm:"primaryKey;type:varchar(128)"`
	ReceivedAt time.Time `gorm:"index"`
}
