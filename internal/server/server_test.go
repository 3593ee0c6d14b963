package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipsync/internal/booking"
	"github.com/tournevent/shipsync/internal/config"
	"github.com/tournevent/shipsync/internal/quote"
	"github.com/tournevent/shipsync/internal/server"
	"github.com/tournevent/shipsync/internal/shipment"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/tracking"
	"github.com/tournevent/shipsync/internal/webhook"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/tournevent/shipsync/pkg/shipper/lce"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type testEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	api     *lce.MockClient
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		APIUseMock:        true,
		ShipperName:       "Boutique",
		ShipperStreet:     "3 rue du Port",
		ShipperCity:       "Nantes",
		ShipperPostalCode: "44000",
		ShipperCountry:    "FR",
		ShipperPhone:      "02 40 00 00 00",
		ShipperEmail:      "shop@example.com",
		MaxWeight:         30,
		DefaultWeight:     1,
		Webhooks:          true,
	}
	logger := otelzap.New(zap.NewNop())
	st := store.NewMemoryStore()
	api := lce.NewMockClient()

	machine := status.New(api, st, nil, logger, nil)
	selector := quote.NewSelector(api, st, logger, nil)
	normalizer := tracking.NewNormalizer("fr", "en")

	srv := server.New(server.Config{Port: 0}, server.Deps{
		API:       api,
		Quotes:    quote.NewCache(cfg, api, st, logger, nil),
		Offers:    selector,
		Booking:   booking.New(cfg, api, st, selector, machine, logger, nil),
		Machine:   machine,
		Tracking:  tracking.NewSynchronizer(api, st, machine, normalizer, logger, nil),
		Shipments: shipment.NewService(cfg, api, st, logger, nil),
		Webhooks:  webhook.NewHandler(cfg, webhook.NewIngestor(st, machine, normalizer, logger, nil), logger, nil),
		Metrics:   http.NotFoundHandler(),
	}, logger, nil)

	return &testEnv{handler: srv.Handler(), store: st, api: api}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestServer_Health(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServer_QuoteIsCached(t *testing.T) {
	e := newTestServer(t)
	cart := map[string]any{"cart_id": "cart-1", "weight": 2.5, "fallback_country": "FR"}

	rec, first := e.do(t, http.MethodPost, "/api/quotes", cart)
	require.Equal(t, http.StatusOK, rec.Code, first.Error)

	var q1 server.QuoteResponse
	require.NoError(t, json.Unmarshal(first.Data, &q1))
	require.Len(t, q1.Offers, 2)
	require.NotNil(t, q1.BestPrice)
	assert.Equal(t, int64(498), *q1.BestPrice)

	_, second := e.do(t, http.MethodPost, "/api/quotes", cart)
	var q2 server.QuoteResponse
	require.NoError(t, json.Unmarshal(second.Data, &q2))
	assert.Equal(t, q1.Quote.ID, q2.Quote.ID)
	assert.Equal(t, 1, e.api.Calls("RequestQuote"))

	rec, _ = e.do(t, http.MethodGet, "/api/quotes/"+q1.Quote.ID+"/offers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/api/carts/cart-1/quotes", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	e.do(t, http.MethodPost, "/api/quotes", cart)
	assert.Equal(t, 2, e.api.Calls("RequestQuote"))
}

func TestServer_QuoteRequiresCart(t *testing.T) {
	e := newTestServer(t)

	rec, env := e.do(t, http.MethodPost, "/api/quotes", map[string]any{"weight": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
}

func TestServer_ShipmentLifecycle(t *testing.T) {
	e := newTestServer(t)

	order := map[string]any{
		"order_ref": "ORD-1",
		"address":   map[string]any{"name": "Jeanne Martin", "street": "8 quai Claude Bernard", "city": "Lyon", "postal_code": "69007", "country": "FR"},
		"email":     "jeanne@example.org",
		"items":     []any{map[string]any{"title": "Mug", "quantity": 1, "weight": 0.5, "price": "12.50"}},
	}
	rec, created := e.do(t, http.MethodPost, "/api/shipments", order)
	require.Equal(t, http.StatusCreated, rec.Code, created.Error)

	var sh struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &sh))
	assert.Equal(t, "pending", sh.Status)

	rec, booked := e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/book", map[string]any{"collection_date": "2024-07-03"})
	require.Equal(t, http.StatusOK, rec.Code, booked.Error)

	var res booking.BookResult
	require.NoError(t, json.Unmarshal(booked.Data, &res))
	assert.Equal(t, "booked", string(res.Shipment.Status))
	assert.Equal(t, "ups_standard", res.ProductCode)

	rec, labels := e.do(t, http.MethodGet, "/api/shipments/"+sh.ID+"/labels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ls []shipment.Label
	require.NoError(t, json.Unmarshal(labels.Data, &ls))
	assert.Len(t, ls, 1)

	rec, _ = e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/sync", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/book", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "booked shipments cannot be booked again")

	rec, _ = e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/return", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "returns need a shipped shipment")

	rec, cancelled := e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, cancelled.Error)

	rec, details := e.do(t, http.MethodGet, "/api/shipments/"+sh.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d shipment.Details
	require.NoError(t, json.Unmarshal(details.Data, &d))
	assert.Equal(t, "cancelled", string(d.Shipment.Status))
	assert.Len(t, d.Events, 3)
}

func TestServer_CancelAlreadyShippedConflicts(t *testing.T) {
	e := newTestServer(t)
	e.api.OnCancelOrder = func(context.Context, string) error {
		return shipper.NewAPIError(422, "Order already shipped")
	}

	_, created := e.do(t, http.MethodPost, "/api/shipments", map[string]any{
		"order_ref": "ORD-2",
		"address":   map[string]any{"city": "Lyon", "postal_code": "69007", "country": "FR"},
	})
	var sh struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Data, &sh))

	rec, booked := e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/book", nil)
	require.Equal(t, http.StatusOK, rec.Code, booked.Error)

	rec, env := e.do(t, http.MethodPost, "/api/shipments/"+sh.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
}

func TestServer_NotFound(t *testing.T) {
	e := newTestServer(t)

	rec, env := e.do(t, http.MethodGet, "/api/shipments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)

	rec, _ = e.do(t, http.MethodPost, "/api/shipments/missing/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIErrorsAreBadGateway(t *testing.T) {
	e := newTestServer(t)
	e.api.SimulateErrors = true

	rec, env := e.do(t, http.MethodGet, "/api/offers/of-1/relays?postal_code=69007", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, env.Code)
}

func TestServer_Relays(t *testing.T) {
	e := newTestServer(t)

	rec, env := e.do(t, http.MethodGet, "/api/offers/of-1/relays?city=Lyon&postal_code=69007", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var locations []shipper.DeliveryLocation
	require.NoError(t, json.Unmarshal(env.Data, &locations))
	require.NotEmpty(t, locations)
	assert.Equal(t, "Lyon", locations[0].City)

	rec, _ = e.do(t, http.MethodGet, "/api/offers/of-1/relays", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WebhookRoute(t *testing.T) {
	e := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tracking", bytes.NewBufferString(`{"order_id":"unknown","status":"delivered"}`))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp webhook.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no_action", resp.Status)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/tracking", nil)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
