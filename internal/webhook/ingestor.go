package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/tracking"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Outcome is the result of ingesting one delivery.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeNoAction         Outcome = "no_action"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Store is the persistence needed by Ingestor.
type Store interface {
	store.ShipmentStore
	store.WebhookStore
}

// StatusApplier applies status transitions.
type StatusApplier interface {
	Apply(ctx context.Context, sh *domain.Shipment, proposed domain.Status, tr status.Transition) (bool, error)
}

// Ingestor applies webhook payloads to shipments exactly once per event id.
type Ingestor struct {
	store      Store
	machine    StatusApplier
	normalizer tracking.Normalizer
	logger     *otelzap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewIngestor creates a webhook ingestor.
func NewIngestor(st Store, machine StatusApplier, normalizer tracking.Normalizer, logger *otelzap.Logger, metrics *telemetry.Metrics) *Ingestor {
	return &Ingestor{
		store:      st,
		machine:    machine,
		normalizer: normalizer,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Ingest claims eventID and handles the payload. A claimed id is released
// when handling fails so the sender's retry is processed.
func (i *Ingestor) Ingest(ctx context.Context, payload shipper.Document, eventID string) (outcome Outcome, err error) {
	defer func() {
		if err != nil {
			i.metrics.RecordWebhook("error")
			return
		}
		i.metrics.RecordWebhook(string(outcome))
	}()

	claimed := false
	defer func() {
		if r := recover(); r != nil {
			i.logger.Ctx(ctx).Error("Webhook handling panicked",
				zap.String("event_id", eventID),
				zap.Any("panic", r),
			)
			if claimed {
				i.release(ctx, eventID)
			}
			outcome, err = "", fmt.Errorf("handling webhook %s: unexpected failure: %v", eventID, r)
		}
	}()

	claimed, err = i.store.ClaimWebhook(ctx, eventID, i.now().UTC())
	if err != nil {
		return "", fmt.Errorf("claiming webhook %s: %w", eventID, err)
	}
	if !claimed {
		i.logger.Ctx(ctx).Info("Duplicate webhook ignored", zap.String("event_id", eventID))
		return OutcomeAlreadyProcessed, nil
	}

	handled, err := i.Handle(ctx, payload, eventID)
	if err != nil {
		i.release(ctx, eventID)
		return "", err
	}
	if handled {
		return OutcomeProcessed, nil
	}
	return OutcomeNoAction, nil
}

func (i *Ingestor) release(ctx context.Context, eventID string) {
	if err := i.store.ReleaseWebhook(context.WithoutCancel(ctx), eventID); err != nil {
		i.logger.Ctx(ctx).Error("Failed to release webhook claim",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

// OrderIDOf finds the carrier order id in a payload.
func OrderIDOf(payload shipper.Document) string {
	if id := payload.String("order_id", "lce_order_id", "api_order_uuid", "order_uuid"); id != "" {
		return id
	}
	if id := payload.Map("data").String("id"); id != "" {
		return id
	}
	return payload.Map("order").String("id")
}

// Handle applies the status, events and tracking number carried by payload.
// A payload without a known order is not an error. It reports whether
// anything changed.
func (i *Ingestor) Handle(ctx context.Context, payload shipper.Document, eventID string) (bool, error) {
	orderID := OrderIDOf(payload)
	if orderID == "" {
		i.logger.Ctx(ctx).Warn("Webhook missing order id", zap.String("event_id", eventID))
		return false, nil
	}

	sh, err := i.store.FindShipmentByAPIOrderID(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		i.logger.Ctx(ctx).Info("No shipment for webhook order",
			zap.String("event_id", eventID),
			zap.String("api_order_id", orderID),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := i.logger.Ctx(ctx)
	ids := []zap.Field{zap.String("event_id", eventID), zap.String("shipment_id", sh.ID)}

	statusChanged := false
	if keyword := tracking.StatusOf(payload); keyword != "" {
		next, ok := tracking.MapStatus(keyword)
		if !ok {
			log.Debug("Unmapped webhook status", append(ids, zap.String("status", keyword))...)
		} else {
			statusChanged, err = i.machine.Apply(ctx, sh, next, status.Transition{})
			if err != nil {
				return false, err
			}
		}
	}

	parcelID := tracking.FirstParcelID(ctx, i.store, sh.ID)
	added, err := tracking.AppendEvents(ctx, i.store, sh.ID, parcelID, i.normalizer.Events(payload))
	if err != nil {
		return false, err
	}
	if added > 0 {
		log.Info("Tracking events added from webhook", append(ids, zap.Int("added", added))...)
	}

	trackingUpdated, err := i.updateTrackingNumber(ctx, sh.ID, payload)
	if err != nil {
		return false, err
	}

	return statusChanged || added > 0 || trackingUpdated, nil
}

func (i *Ingestor) updateTrackingNumber(ctx context.Context, shipmentID string, payload shipper.Document) (bool, error) {
	number := payload.String("tracking_number")
	if number == "" {
		number = payload.Map("data").String("tracking_number")
	}
	if number == "" {
		return false, nil
	}

	parcels, err := i.store.ListParcels(ctx, shipmentID)
	if err != nil {
		return false, err
	}
	if len(parcels) == 0 || parcels[0].TrackingNumber == number {
		return false, nil
	}

	parcels[0].TrackingNumber = number
	if err := i.store.UpdateParcel(ctx, parcels[0]); err != nil {
		return false, fmt.Errorf("updating tracking number: %w", err)
	}
	i.logger.Ctx(ctx).Info("Tracking number updated from webhook",
		zap.String("shipment_id", shipmentID),
		zap.String("tracking_number", number),
	)
	return true, nil
}
