package lce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipsync/pkg/shipper"
)

// MockClient is an in-process implementation of shipper.API for tests and
// for running without credentials. Each On* hook overrides the default
// behavior of its operation.
type MockClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnRequestQuote         func(ctx context.Context, req *shipper.QuoteRequest) (*shipper.QuoteResult, error)
	OnPlaceOrder           func(ctx context.Context, req *shipper.OrderRequest) (*shipper.OrderResult, error)
	OnGetOrder             func(ctx context.Context, orderID string) (shipper.Document, error)
	OnGetOrderTracking     func(ctx context.Context, orderID string) (shipper.Document, error)
	OnCancelOrder          func(ctx context.Context, orderID string) error
	OnGetDeliveryLocations func(ctx context.Context, offerID string, near shipper.LocationQuery) ([]shipper.DeliveryLocation, error)

	mu    sync.Mutex
	calls map[string]int
}

// NewMockClient creates a mock client with default behavior.
func NewMockClient() *MockClient {
	return &MockClient{calls: make(map[string]int)}
}

// Calls returns how many times op was invoked.
func (m *MockClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockClient) enter(op string) error {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
	m.mu.Unlock()

	if m.SimulateLatency > 0 {
		time.Sleep(m.SimulateLatency)
	}
	if m.SimulateErrors {
		return shipper.NewAPIError(503, "simulated API error")
	}
	return nil
}

// RequestQuote returns two offers, a home delivery and a relay product.
func (m *MockClient) RequestQuote(ctx context.Context, req *shipper.QuoteRequest) (*shipper.QuoteResult, error) {
	if err := m.enter("RequestQuote"); err != nil {
		return nil, err
	}
	if m.OnRequestQuote != nil {
		return m.OnRequestQuote(ctx, req)
	}

	return &shipper.QuoteResult{
		ID: shipper.FlexString("q-" + uuid.New().String()[:8]),
		Offers: []shipper.Offer{
			{
				ID: shipper.FlexString("of-" + uuid.New().String()[:8]),
				Product: shipper.Product{
					Code: "ups_standard", Name: "UPS Standard", CarrierCode: "ups",
					PickUp: true, Delay: "24-48",
					TrackingURL: "https://www.ups.com/track?tracknum={tracking_number}",
				},
				Price:      money("10.50"),
				TotalPrice: ptr(money("12.60")),
			},
			{
				ID: shipper.FlexString("of-" + uuid.New().String()[:8]),
				Product: shipper.Product{
					Code: "mondial_relay_pickup", Name: "Mondial Relay", CarrierCode: "mondial_relay",
					Relay: true, DropOff: true, Delay: "72-96",
				},
				Price:      money("4.15"),
				TotalPrice: ptr(money("4.98")),
			},
		},
	}, nil
}

// PlaceOrder returns an order with one tracking number per parcel.
func (m *MockClient) PlaceOrder(ctx context.Context, req *shipper.OrderRequest) (*shipper.OrderResult, error) {
	if err := m.enter("PlaceOrder"); err != nil {
		return nil, err
	}
	if m.OnPlaceOrder != nil {
		return m.OnPlaceOrder(ctx, req)
	}

	orderID := "ord-" + uuid.New().String()[:8]
	result := &shipper.OrderResult{ID: shipper.FlexString(orderID)}
	for i := range req.Parcels {
		result.Parcels = append(result.Parcels, shipper.OrderParcel{
			TrackingNumber: fmt.Sprintf("MOCK%s%02d", orderID[4:], i+1),
			LabelURL:       fmt.Sprintf("https://labels.example.com/%s/%d.pdf", orderID, i+1),
		})
	}
	return result, nil
}

// GetOrder returns a booked order detail.
func (m *MockClient) GetOrder(ctx context.Context, orderID string) (shipper.Document, error) {
	if err := m.enter("GetOrder"); err != nil {
		return nil, err
	}
	if m.OnGetOrder != nil {
		return m.OnGetOrder(ctx, orderID)
	}
	return shipper.Document{"id": orderID, "state": "booked"}, nil
}

// GetOrderTracking returns an empty tracking document.
func (m *MockClient) GetOrderTracking(ctx context.Context, orderID string) (shipper.Document, error) {
	if err := m.enter("GetOrderTracking"); err != nil {
		return nil, err
	}
	if m.OnGetOrderTracking != nil {
		return m.OnGetOrderTracking(ctx, orderID)
	}
	return shipper.Document{}, nil
}

// CancelOrder succeeds.
func (m *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := m.enter("CancelOrder"); err != nil {
		return err
	}
	if m.OnCancelOrder != nil {
		return m.OnCancelOrder(ctx, orderID)
	}
	return nil
}

// GetDeliveryLocations returns a single relay point in the queried city.
func (m *MockClient) GetDeliveryLocations(ctx context.Context, offerID string, near shipper.LocationQuery) ([]shipper.DeliveryLocation, error) {
	if err := m.enter("GetDeliveryLocations"); err != nil {
		return nil, err
	}
	if m.OnGetDeliveryLocations != nil {
		return m.OnGetDeliveryLocations(ctx, offerID, near)
	}
	return []shipper.DeliveryLocation{{
		Code:       "RELAY-001",
		Company:    "Tabac de la Gare",
		Street:     "1 place de la Gare",
		City:       near.City,
		PostalCode: near.PostalCode,
		Country:    near.Country,
	}}, nil
}

// LabelURL returns a fake label URL.
func (m *MockClient) LabelURL(orderID, format string) string {
	if format == "" {
		format = "pdf"
	}
	return fmt.Sprintf("https://labels.example.com/%s.%s", orderID, format)
}

func money(amount string) shipper.Money {
	return shipper.Money{Amount: decimal.RequireFromString(amount), Currency: "EUR"}
}

func ptr[T any](v T) *T {
	return &v
}

// Ensure MockClient implements shipper.API.
var _ shipper.API = (*MockClient)(nil)
