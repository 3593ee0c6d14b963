package shipper

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// FlexString decodes a JSON string, number or null into a string.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the decoded value.
func (f FlexString) String() string {
	return string(f)
}

// Location is a shipper or recipient as sent to the API.
type Location struct {
	Name       string `json:"name,omitempty"`
	Company    string `json:"company,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	IsCompany  bool   `json:"is_a_company"`
}

// Parcel is a package as sent to the API. Dimensions in cm, weight in kg.
type Parcel struct {
	Length            float64 `json:"length"`
	Width             float64 `json:"width"`
	Height            float64 `json:"height"`
	Weight            float64 `json:"weight"`
	Value             string  `json:"value,omitempty"`
	Currency          string  `json:"currency,omitempty"`
	Description       string  `json:"description,omitempty"`
	ShipperReference  string  `json:"shipper_reference,omitempty"`
	CustomerReference string  `json:"customer_reference,omitempty"`
}

// QuoteRequest asks for offers on a shipment.
type QuoteRequest struct {
	Shipper      Location `json:"shipper"`
	Recipient    Location `json:"recipient"`
	Parcels      []Parcel `json:"parcels"`
	ProductCodes []string `json:"product_codes,omitempty"`
}

// Money is an amount in major units as returned by the API.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Minor converts the amount to integer minor units (cents), rounding half away from zero.
func (m Money) Minor() int64 {
	return m.Amount.Shift(2).Round(0).IntPart()
}

// Product describes the carrier product behind an offer.
type Product struct {
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	CarrierCode string     `json:"carrier_code"`
	Relay       bool       `json:"preset_delivery_location"`
	PickUp      bool       `json:"pick_up"`
	DropOff     bool       `json:"drop_off"`
	Delay       FlexString `json:"delay"`
	TrackingURL string     `json:"tracking_url"`
}

// IsReturn reports whether the product code designates a return service.
func (p Product) IsReturn() bool {
	code := strings.ToLower(p.Code)
	return strings.Contains(code, "retour") || strings.Contains(code, "return")
}

// Offer is a priced product.
type Offer struct {
	ID             FlexString `json:"id"`
	Product        Product    `json:"product"`
	Price          Money      `json:"price"`
	TotalPrice     *Money     `json:"total_price,omitempty"`
	InsurancePrice *Money     `json:"insurance_price,omitempty"`
}

// Total returns the total price, falling back to the base price.
func (o Offer) Total() Money {
	if o.TotalPrice != nil {
		return *o.TotalPrice
	}
	return o.Price
}

// QuoteResult is the decoded quote payload.
type QuoteResult struct {
	ID     FlexString `json:"id"`
	Offers []Offer    `json:"offers"`
}

// OrderRequest books an offer.
type OrderRequest struct {
	OfferID              string   `json:"offer_id"`
	Shipper              Location `json:"shipper"`
	Recipient            Location `json:"recipient"`
	Parcels              []Parcel `json:"parcels"`
	DeliveryLocationCode string   `json:"delivery_location_code,omitempty"`
	CollectionDate       string   `json:"collection_date,omitempty"`
}

// OrderResult is the decoded booking payload.
type OrderResult struct {
	ID      FlexString    `json:"id"`
	Parcels []OrderParcel `json:"parcels"`
}

// OrderParcel carries the per-parcel tracking number and label returned at booking.
// Carriers disagree on key names, so decoding accepts every variant seen in practice.
type OrderParcel struct {
	TrackingNumber string `json:"tracking_number"`
	LabelURL       string `json:"label_url"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *OrderParcel) UnmarshalJSON(data []byte) error {
	var raw Document
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.TrackingNumber = raw.String("tracking_number", "tracking", "parcel_tracking_number")
	p.LabelURL = raw.String("label_url")
	if p.LabelURL == "" {
		switch label := raw["label"].(type) {
		case string:
			p.LabelURL = label
		case map[string]any:
			p.LabelURL = Document(label).String("url", "pdf")
		}
	}
	if p.LabelURL == "" {
		p.LabelURL = raw.Map("labels").String("pdf")
	}
	return nil
}

// LocationQuery is the area searched for relay points.
type LocationQuery struct {
	Street     string
	City       string
	PostalCode string
	Country    string
}

// DeliveryLocation is a relay point.
type DeliveryLocation struct {
	Code       FlexString `json:"code"`
	Company    string     `json:"company"`
	Street     string     `json:"street"`
	City       string     `json:"city"`
	PostalCode string     `json:"postal_code"`
	Country    string     `json:"country"`
}
