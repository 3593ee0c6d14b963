package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/tracking"
	"github.com/tournevent/shipsync/internal/webhook"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/tournevent/shipsync/pkg/shipper/lce"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type countingNotifier struct {
	mu    sync.Mutex
	calls []domain.Status
}

func (n *countingNotifier) StatusChanged(_ context.Context, _ *domain.Shipment, _, next domain.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, next)
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type env struct {
	store    *store.MemoryStore
	notifier *countingNotifier
	ingestor *webhook.Ingestor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	logger := otelzap.New(zap.NewNop())
	n := &countingNotifier{}
	machine := status.New(lce.NewMockClient(), st, n, logger, nil)
	return &env{
		store:    st,
		notifier: n,
		ingestor: webhook.NewIngestor(st, machine, tracking.NewNormalizer("fr", "en"), logger, nil),
	}
}

func (e *env) booked(t *testing.T, orderID string) *domain.Shipment {
	t.Helper()
	ctx := context.Background()
	sh := &domain.Shipment{OrderRef: "ORD-7", Status: domain.StatusBooked, APIOrderID: orderID}
	require.NoError(t, e.store.CreateShipment(ctx, sh))
	require.NoError(t, e.store.CreateParcel(ctx, &domain.Parcel{ShipmentID: sh.ID, Weight: 1, TrackingNumber: "TRK-OLD"}))
	return sh
}

func inTransitPayload(orderID string) shipper.Document {
	return shipper.Document{
		"order_id": orderID,
		"event":    "tracking.updated",
		"status":   "in_transit",
	}
}

func TestIngest_InTransitShipsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sh := e.booked(t, "ord-1")

	payload := inTransitPayload("ord-1")
	eventID := webhook.ResolveEventID(http.Header{}, payload)

	outcome, err := e.ingestor.Ingest(ctx, payload, eventID)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, outcome)

	stored, err := e.store.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, stored.Status)

	events, err := e.store.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventShipped, events[0].Code)
	assert.Equal(t, 1, e.notifier.count())

	// Identical redelivery without an explicit id.
	redelivered := inTransitPayload("ord-1")
	outcome, err = e.ingestor.Ingest(ctx, redelivered, webhook.ResolveEventID(http.Header{}, redelivered))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeAlreadyProcessed, outcome)

	events, err = e.store.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, e.notifier.count())
}

func TestIngest_UnknownOrderIsNoAction(t *testing.T) {
	e := newEnv(t)

	outcome, err := e.ingestor.Ingest(context.Background(), inTransitPayload("missing"), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeNoAction, outcome)

	outcome, err = e.ingestor.Ingest(context.Background(), shipper.Document{"status": "delivered"}, "evt-2")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeNoAction, outcome)
}

func TestIngest_DowngradeIsIgnored(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sh := e.booked(t, "ord-2")

	_, err := e.ingestor.Ingest(ctx, shipper.Document{"order_id": "ord-2", "status": "delivered"}, "evt-a")
	require.NoError(t, err)

	outcome, err := e.ingestor.Ingest(ctx, shipper.Document{"order_id": "ord-2", "status": "in_transit"}, "evt-b")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeNoAction, outcome)

	stored, err := e.store.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
}

func TestHandle_EventsAndTrackingNumber(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sh := e.booked(t, "ord-3")

	payload := shipper.Document{
		"data": map[string]any{
			"id":              "ord-3",
			"state":           "delivered",
			"tracking_number": "TRK-NEW",
			"events": []any{
				map[string]any{"code": "delivered", "happened_at": "2024-05-03T15:00:00Z", "label": map[string]any{"en": "Delivered"}},
			},
		},
	}

	changed, err := e.ingestor.Handle(ctx, payload, "evt-3")
	require.NoError(t, err)
	assert.True(t, changed)

	parcels, err := e.store.ListParcels(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "TRK-NEW", parcels[0].TrackingNumber)

	events, err := e.store.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	var carrier *domain.ShipmentEvent
	for _, ev := range events {
		if ev.Code == "delivered" {
			carrier = ev
		}
	}
	require.NotNil(t, carrier)
	assert.Equal(t, "Delivered", carrier.Label)
	assert.Equal(t, parcels[0].ID, carrier.ParcelID)
	assert.True(t, carrier.OccurredAt.Equal(time.Date(2024, 5, 3, 15, 0, 0, 0, time.UTC)))

	// Same payload again changes nothing.
	changed, err = e.ingestor.Handle(ctx, payload, "evt-3b")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestOrderIDOf(t *testing.T) {
	assert.Equal(t, "a", webhook.OrderIDOf(shipper.Document{"order_id": "a", "lce_order_id": "b"}))
	assert.Equal(t, "b", webhook.OrderIDOf(shipper.Document{"lce_order_id": "b"}))
	assert.Equal(t, "c", webhook.OrderIDOf(shipper.Document{"order_uuid": "c"}))
	assert.Equal(t, "d", webhook.OrderIDOf(shipper.Document{"data": map[string]any{"id": "d"}}))
	assert.Equal(t, "e", webhook.OrderIDOf(shipper.Document{"order": map[string]any{"id": "e"}}))
	assert.Empty(t, webhook.OrderIDOf(shipper.Document{}))
}

type failingStore struct {
	*store.MemoryStore
	released []string
}

func (f *failingStore) FindShipmentByAPIOrderID(context.Context, string) (*domain.Shipment, error) {
	return nil, errors.New("database unavailable")
}

func (f *failingStore) ReleaseWebhook(ctx context.Context, eventID string) error {
	f.released = append(f.released, eventID)
	return f.MemoryStore.ReleaseWebhook(ctx, eventID)
}

func TestIngest_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	logger := otelzap.New(zap.NewNop())
	machine := status.New(lce.NewMockClient(), st, nil, logger, nil)
	ing := webhook.NewIngestor(st, machine, tracking.NewNormalizer("", ""), logger, nil)

	_, err := ing.Ingest(ctx, inTransitPayload("ord-x"), "evt-x")
	require.Error(t, err)
	assert.Equal(t, []string{"evt-x"}, st.released)

	claimed, err := st.ClaimWebhook(ctx, "evt-x", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed, "released id can be claimed again")
}

// panickingStore panics on the first order lookup only.
type panickingStore struct {
	*store.MemoryStore
	panicked bool
}

func (p *panickingStore) FindShipmentByAPIOrderID(ctx context.Context, orderID string) (*domain.Shipment, error) {
	if !p.panicked {
		p.panicked = true
		panic("nil map in order lookup")
	}
	return p.MemoryStore.FindShipmentByAPIOrderID(ctx, orderID)
}

func TestIngest_PanicReleasesClaim(t *testing.T) {
	ctx := context.Background()
	st := &panickingStore{MemoryStore: store.NewMemoryStore()}
	sh := &domain.Shipment{OrderRef: "ORD-9", Status: domain.StatusBooked, APIOrderID: "ord-p"}
	require.NoError(t, st.CreateShipment(ctx, sh))

	logger := otelzap.New(zap.NewNop())
	machine := status.New(lce.NewMockClient(), st, nil, logger, nil)
	ing := webhook.NewIngestor(st, machine, tracking.NewNormalizer("", ""), logger, nil)

	var err error
	assert.NotPanics(t, func() {
		_, err = ing.Ingest(ctx, inTransitPayload("ord-p"), "evt-p")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map in order lookup")

	outcome, err := ing.Ingest(ctx, inTransitPayload("ord-p"), "evt-p")
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, outcome)

	stored, err := st.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, stored.Status)
}
