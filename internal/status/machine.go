// Package status applies shipment status transitions and records their history.
package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/keylock"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Notifier is told about accepted shipped and delivered transitions.
type Notifier interface {
	StatusChanged(ctx context.Context, sh *domain.Shipment, previous, next domain.Status)
}

// Transition carries the details recorded with a status change.
type Transition struct {
	// Label overrides the default event label.
	Label string
	// OccurredAt defaults to the current time.
	OccurredAt time.Time
	Location   string
	ParcelID   string
}

var defaultLabels = map[domain.Status]string{
	domain.StatusBooked:    "Shipment booked",
	domain.StatusShipped:   "Shipment in transit",
	domain.StatusDelivered: "Shipment delivered",
	domain.StatusCancelled: "Shipment cancelled",
}

// Machine enforces monotonic status changes.
type Machine struct {
	api      shipper.API
	store    store.ShipmentStore
	notifier Notifier
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	locks    keylock.Map
}

// New creates a state machine. notifier may be nil.
func New(api shipper.API, st store.ShipmentStore, notifier Notifier, logger *otelzap.Logger, metrics *telemetry.Metrics) *Machine {
	return &Machine{
		api:      api,
		store:    st,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Apply moves sh to proposed when the stored status allows it and persists sh.
// It reports whether the status changed. A proposal equal to the stored status
// and a rejected downgrade both leave the store untouched.
func (m *Machine) Apply(ctx context.Context, sh *domain.Shipment, proposed domain.Status, tr Transition) (bool, error) {
	return m.apply(ctx, sh, proposed, tr, nil)
}

// staleStatusError is returned by a guarded apply when the stored status is
// no longer one the caller allowed.
type staleStatusError struct {
	current domain.Status
}

func (e *staleStatusError) Error() string {
	return fmt.Sprintf("shipment status is now %s", e.current)
}

// apply is Apply with an optional guard: when allowedFrom is not empty the
// stored status must be one of them, checked under the shipment lock.
func (m *Machine) apply(ctx context.Context, sh *domain.Shipment, proposed domain.Status, tr Transition, allowedFrom []domain.Status) (bool, error) {
	unlock := m.locks.Lock(sh.ID)
	defer unlock()

	stored, err := m.store.GetShipment(ctx, sh.ID)
	if err != nil {
		return false, err
	}
	previous := stored.Status

	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, previous) {
		sh.Status = previous
		return false, &staleStatusError{current: previous}
	}
	if previous == proposed {
		sh.Status = previous
		return false, nil
	}
	if !previous.CanTransitionTo(proposed) {
		m.logger.Ctx(ctx).Info("Status transition rejected",
			zap.String("shipment_id", sh.ID),
			zap.String("from", string(previous)),
			zap.String("to", string(proposed)),
		)
		sh.Status = previous
		return false, nil
	}

	now := m.now().UTC()
	sh.Status = proposed
	sh.UpdatedAt = now
	if err := m.store.UpdateShipment(ctx, sh); err != nil {
		sh.Status = previous
		return false, fmt.Errorf("saving shipment %s: %w", sh.ID, err)
	}

	ev := &domain.ShipmentEvent{
		ShipmentID: sh.ID,
		ParcelID:   tr.ParcelID,
		Code:       domain.EventCodeFor(proposed),
		Label:      tr.Label,
		OccurredAt: tr.OccurredAt,
		Location:   tr.Location,
	}
	if ev.Label == "" {
		ev.Label = defaultLabels[proposed]
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	if _, err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.Ctx(ctx).Error("Failed to record status event",
			zap.String("shipment_id", sh.ID),
			zap.String("code", ev.Code),
			zap.Error(err),
		)
	}

	m.metrics.RecordTransition(string(previous), string(proposed))
	m.logger.Ctx(ctx).Info("Shipment status changed",
		zap.String("shipment_id", sh.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(proposed)),
	)

	if m.notifier != nil && (proposed == domain.StatusShipped || proposed == domain.StatusDelivered) {
		snapshot := *sh
		m.notifier.StatusChanged(ctx, &snapshot, previous, proposed)
	}
	return true, nil
}

// ============================================================================
// Cancellation
// ============================================================================

// cancellable are the statuses a merchant may cancel from.
var cancellable = []domain.Status{domain.StatusPending, domain.StatusBooked}

type cancelOutcome int

const (
	cancelUnknown cancelOutcome = iota
	cancelAbort
	cancelProceed
)

// cancelPatterns is evaluated in order against the lower-cased API error.
var cancelPatterns = []struct {
	pattern string
	outcome cancelOutcome
}{
	{"shipped", cancelAbort},
	{"delivered", cancelAbort},
	{"expedi", cancelAbort},
	{"livr", cancelAbort},
	{"cancelled", cancelProceed},
	{"annul", cancelProceed},
	{"not found", cancelProceed},
	{"404", cancelProceed},
}

func classifyCancelError(msg string) cancelOutcome {
	lower := strings.ToLower(msg)
	for _, p := range cancelPatterns {
		if strings.Contains(lower, p.pattern) {
			return p.outcome
		}
	}
	return cancelUnknown
}

// Cancel cancels a pending or booked shipment, remotely first when it was
// booked. A remote refusal because the parcel already left returns
// domain.ErrAlreadyShipped and leaves the shipment unchanged. Other remote
// failures are logged and the local cancellation proceeds.
func (m *Machine) Cancel(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	sh, err := m.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(cancellable, sh.Status) {
		m.logger.Ctx(ctx).Warn("Cannot cancel shipment in current status",
			zap.String("shipment_id", sh.ID),
			zap.String("status", string(sh.Status)),
		)
		return nil, domain.NewValidationError("status", fmt.Sprintf("cannot cancel a %s shipment", sh.Status))
	}

	if sh.APIOrderID != "" {
		if err := m.api.CancelOrder(ctx, sh.APIOrderID); err != nil {
			fields := []zap.Field{
				zap.String("shipment_id", sh.ID),
				zap.String("api_order_id", sh.APIOrderID),
				zap.Error(err),
			}
			switch classifyCancelError(err.Error()) {
			case cancelAbort:
				m.logger.Ctx(ctx).Error("Cannot cancel shipment: already shipped or delivered", fields...)
				return nil, fmt.Errorf("%w: %v", domain.ErrAlreadyShipped, err)
			case cancelProceed:
				m.logger.Ctx(ctx).Warn("Remote order already cancelled or unknown, cancelling locally", fields...)
			default:
				m.metrics.RecordAPIError("cancel", string(shipper.CategoryOf(err)))
				m.logger.Ctx(ctx).Error("Remote cancellation failed, cancelling locally", fields...)
			}
		}
	}

	_, err = m.apply(ctx, sh, domain.StatusCancelled, Transition{}, cancellable)
	var stale *staleStatusError
	if errors.As(err, &stale) {
		m.logger.Ctx(ctx).Warn("Shipment status changed while cancelling",
			zap.String("shipment_id", sh.ID),
			zap.String("status", string(stale.current)),
		)
		if stale.current == domain.StatusShipped || stale.current == domain.StatusDelivered {
			return nil, fmt.Errorf("%w: %v", domain.ErrAlreadyShipped, stale)
		}
		return nil, domain.NewValidationError("status", fmt.Sprintf("cannot cancel a %s shipment", stale.current))
	}
	if err != nil {
		return nil, err
	}
	return sh, nil
}
