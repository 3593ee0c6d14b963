package status_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/tournevent/shipsync/pkg/shipper/lce"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type notification struct {
	previous, next domain.Status
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) StatusChanged(_ context.Context, _ *domain.Shipment, previous, next domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{previous, next})
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func setup(t *testing.T, st domain.Status) (*status.Machine, *store.MemoryStore, *lce.MockClient, *recordingNotifier, *domain.Shipment) {
	t.Helper()
	ms := store.NewMemoryStore()
	api := lce.NewMockClient()
	n := &recordingNotifier{}
	sh := &domain.Shipment{OrderRef: "ORD-1", Status: st}
	require.NoError(t, ms.CreateShipment(context.Background(), sh))
	return status.New(api, ms, n, otelzap.New(zap.NewNop()), nil), ms, api, n, sh
}

func TestApply_ForwardTransition(t *testing.T) {
	ctx := context.Background()
	m, ms, _, n, sh := setup(t, domain.StatusBooked)
	at := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

	changed, err := m.Apply(ctx, sh, domain.StatusShipped, status.Transition{OccurredAt: at, Location: "Lyon, FR"})
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := ms.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, stored.Status)

	events, err := ms.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventShipped, events[0].Code)
	assert.Equal(t, "Shipment in transit", events[0].Label)
	assert.Equal(t, at, events[0].OccurredAt)
	assert.Equal(t, "Lyon, FR", events[0].Location)

	assert.Equal(t, 1, n.count())
}

func TestApply_SameStatusIsNoop(t *testing.T) {
	ctx := context.Background()
	m, ms, _, n, sh := setup(t, domain.StatusShipped)

	changed, err := m.Apply(ctx, sh, domain.StatusShipped, status.Transition{})
	require.NoError(t, err)
	assert.False(t, changed)

	events, err := ms.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, n.count())
}

func TestApply_RejectsDowngrade(t *testing.T) {
	ctx := context.Background()
	m, ms, _, n, sh := setup(t, domain.StatusDelivered)

	changed, err := m.Apply(ctx, sh, domain.StatusShipped, status.Transition{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.StatusDelivered, sh.Status)

	stored, err := ms.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Zero(t, n.count())
}

func TestApply_CancelledIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, _, _, _, sh := setup(t, domain.StatusCancelled)

	for _, next := range []domain.Status{domain.StatusBooked, domain.StatusShipped, domain.StatusDelivered} {
		changed, err := m.Apply(ctx, sh, next, status.Transition{})
		require.NoError(t, err)
		assert.False(t, changed, next)
	}
}

func TestApply_UsesStoredStatus(t *testing.T) {
	ctx := context.Background()
	m, ms, _, _, sh := setup(t, domain.StatusBooked)

	stale := *sh
	_, err := m.Apply(ctx, sh, domain.StatusDelivered, status.Transition{})
	require.NoError(t, err)

	changed, err := m.Apply(ctx, &stale, domain.StatusShipped, status.Transition{})
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := ms.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
}

func TestApply_NoNotificationForBooked(t *testing.T) {
	m, _, _, n, sh := setup(t, domain.StatusPending)

	changed, err := m.Apply(context.Background(), sh, domain.StatusBooked, status.Transition{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Zero(t, n.count())
}

func TestCancel_LocalOnly(t *testing.T) {
	ctx := context.Background()
	m, ms, api, _, sh := setup(t, domain.StatusPending)

	got, err := m.Cancel(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Zero(t, api.Calls("CancelOrder"))

	events, err := ms.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCancelled, events[0].Code)
}

func TestCancel_RemoteOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		remoteErr  error
		wantStatus domain.Status
		wantErr    error
	}{
		{"success", nil, domain.StatusCancelled, nil},
		{"already shipped", shipper.NewAPIError(422, "Order already shipped"), domain.StatusBooked, domain.ErrAlreadyShipped},
		{"livree", shipper.NewAPIError(422, "Commande déjà livrée"), domain.StatusBooked, domain.ErrAlreadyShipped},
		{"already cancelled", shipper.NewAPIError(422, "Order already cancelled"), domain.StatusCancelled, nil},
		{"not found", shipper.NewAPIError(404, "Order not found"), domain.StatusCancelled, nil},
		{"unknown", shipper.NewAPIError(500, "boom"), domain.StatusCancelled, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, ms, api, _, sh := setup(t, domain.StatusBooked)
			sh.APIOrderID = "ord-1"
			require.NoError(t, ms.UpdateShipment(ctx, sh))
			api.OnCancelOrder = func(context.Context, string) error { return tt.remoteErr }

			_, err := m.Cancel(ctx, sh.ID)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			} else {
				require.NoError(t, err)
			}

			stored, err := ms.GetShipment(ctx, sh.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, 1, api.Calls("CancelOrder"))
		})
	}
}

func TestCancel_ShippedDuringRemoteCall(t *testing.T) {
	ctx := context.Background()
	m, ms, api, n, sh := setup(t, domain.StatusBooked)
	sh.APIOrderID = "ord-1"
	require.NoError(t, ms.UpdateShipment(ctx, sh))

	api.OnCancelOrder = func(ctx context.Context, _ string) error {
		current, err := ms.GetShipment(ctx, sh.ID)
		require.NoError(t, err)
		_, err = m.Apply(ctx, current, domain.StatusShipped, status.Transition{})
		return err
	}

	_, err := m.Cancel(ctx, sh.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyShipped)

	stored, err := ms.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, stored.Status)
	assert.Equal(t, 1, n.count())

	events, err := ms.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventShipped, events[0].Code)
}

func TestCancel_CancelledDuringRemoteCall(t *testing.T) {
	ctx := context.Background()
	m, ms, api, _, sh := setup(t, domain.StatusBooked)
	sh.APIOrderID = "ord-1"
	require.NoError(t, ms.UpdateShipment(ctx, sh))

	api.OnCancelOrder = func(ctx context.Context, _ string) error {
		current, err := ms.GetShipment(ctx, sh.ID)
		require.NoError(t, err)
		_, err = m.Apply(ctx, current, domain.StatusCancelled, status.Transition{})
		return err
	}

	_, err := m.Cancel(ctx, sh.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	events, err := ms.ListEvents(ctx, sh.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCancel_RefusedFromShipped(t *testing.T) {
	m, _, api, _, sh := setup(t, domain.StatusShipped)

	_, err := m.Cancel(context.Background(), sh.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, api.Calls("CancelOrder"))
}

func TestCancel_UnknownShipment(t *testing.T) {
	m, _, _, _, _ := setup(t, domain.StatusPending)

	_, err := m.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
