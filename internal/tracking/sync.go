package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/now"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusApplier applies status transitions.
type StatusApplier interface {
	Apply(ctx context.Context, sh *domain.Shipment, proposed domain.Status, tr status.Transition) (bool, error)
}

// AppendEvents stores events for a shipment, skipping (code, time) pairs it
// already has, and returns how many were new.
func AppendEvents(ctx context.Context, st store.ShipmentStore, shipmentID, parcelID string, events []Event) (int, error) {
	added := 0
	for _, ev := range events {
		inserted, err := st.AppendEvent(ctx, &domain.ShipmentEvent{
			ShipmentID: shipmentID,
			ParcelID:   parcelID,
			Code:       ev.Code,
			Label:      ev.Label,
			OccurredAt: ev.OccurredAt,
			Location:   ev.Location,
		})
		if err != nil {
			return added, fmt.Errorf("appending event %s: %w", ev.Code, err)
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

// FirstParcelID returns the id of the shipment's first parcel, or "".
func FirstParcelID(ctx context.Context, st store.ShipmentStore, shipmentID string) string {
	parcels, err := st.ListParcels(ctx, shipmentID)
	if err != nil || len(parcels) == 0 {
		return ""
	}
	return parcels[0].ID
}

// Synchronizer polls the carrier API for events and status.
type Synchronizer struct {
	api        shipper.API
	store      store.ShipmentStore
	machine    StatusApplier
	normalizer Normalizer
	logger     *otelzap.Logger
	metrics    *telemetry.Metrics
}

// NewSynchronizer creates a tracking synchronizer.
func NewSynchronizer(api shipper.API, st store.ShipmentStore, machine StatusApplier, normalizer Normalizer, logger *otelzap.Logger, metrics *telemetry.Metrics) *Synchronizer {
	return &Synchronizer{
		api:        api,
		store:      st,
		machine:    machine,
		normalizer: normalizer,
		logger:     logger,
		metrics:    metrics,
	}
}

// SyncStatus pulls tracking events and the order state of a booked shipment.
// It reports whether a new event was stored or the status changed.
func (s *Synchronizer) SyncStatus(ctx context.Context, shipmentID string) (changed bool, err error) {
	defer func() {
		switch {
		case err != nil:
			s.metrics.RecordSync("error")
		case changed:
			s.metrics.RecordSync("updated")
		default:
			s.metrics.RecordSync("unchanged")
		}
	}()

	sh, err := s.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return false, err
	}
	if sh.APIOrderID == "" {
		return false, domain.NewValidationError("api_order_id", "shipment has not been booked with the carrier")
	}

	var events []Event
	trackingDoc, err := s.api.GetOrderTracking(ctx, sh.APIOrderID)
	if err != nil {
		s.logger.Ctx(ctx).Debug("Tracking endpoint failed, falling back to order detail",
			zap.String("shipment_id", sh.ID),
			zap.Error(err),
		)
	} else {
		events = s.normalizer.Events(trackingDoc)
	}

	orderDoc, orderErr := s.api.GetOrder(ctx, sh.APIOrderID)
	if len(events) == 0 && orderErr == nil {
		events = s.normalizer.Events(orderDoc)
	}

	added, err := AppendEvents(ctx, s.store, sh.ID, FirstParcelID(ctx, s.store, sh.ID), events)
	if err != nil {
		return added > 0, err
	}
	if added > 0 {
		s.logger.Ctx(ctx).Info("Stored tracking events",
			zap.String("shipment_id", sh.ID),
			zap.Int("added", added),
		)
	}

	if orderErr != nil {
		s.metrics.RecordAPIError("get_order", string(shipper.CategoryOf(orderErr)))
		return added > 0, fmt.Errorf("fetching order %s: %w", sh.APIOrderID, orderErr)
	}

	keyword := StatusOf(orderDoc)
	next, ok := MapStatus(keyword)
	if !ok {
		if keyword != "" {
			s.logger.Ctx(ctx).Debug("Unmapped carrier status",
				zap.String("shipment_id", sh.ID),
				zap.String("state", keyword),
			)
		}
		return added > 0, nil
	}

	moved, err := s.machine.Apply(ctx, sh, next, status.Transition{})
	if err != nil {
		return added > 0, err
	}
	return added > 0 || moved, nil
}

// ============================================================================
// Batch sync
// ============================================================================

// SyncOptions selects the shipments of a batch sync.
type SyncOptions struct {
	Filter      store.ShipmentFilter
	Concurrency int
	// DryRun lists the candidates without calling the API.
	DryRun bool
}

// Report summarizes a batch sync.
type Report struct {
	Total      int               `json:"total"`
	Updated    int               `json:"updated"`
	Unchanged  int               `json:"unchanged"`
	Failed     int               `json:"failed"`
	Retryable  int               `json:"retryable"`
	Skipped    int               `json:"skipped"`
	Errors     map[string]string `json:"errors,omitempty"`
	Candidates []string          `json:"candidates,omitempty"`
}

// ActiveStatuses are the statuses polled when the filter names none.
var ActiveStatuses = []domain.Status{domain.StatusBooked, domain.StatusShipped}

// CreatedSince returns the start of the day days before ref.
func CreatedSince(ref time.Time, days int) time.Time {
	return now.With(ref).BeginningOfDay().AddDate(0, 0, -days)
}

// SyncAll syncs every matching shipment with bounded concurrency. A failing
// shipment is recorded in the report and does not stop the others.
func (s *Synchronizer) SyncAll(ctx context.Context, opts SyncOptions) (*Report, error) {
	filter := opts.Filter
	filter.WithAPIOrder = true
	if len(filter.Statuses) == 0 {
		filter.Statuses = ActiveStatuses
	}

	shipments, err := s.store.ListShipments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing shipments: %w", err)
	}

	report := &Report{Total: len(shipments), Errors: make(map[string]string)}
	if opts.DryRun {
		for _, sh := range shipments {
			report.Candidates = append(report.Candidates, sh.ID)
		}
		report.Skipped = len(shipments)
		return report, nil
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, sh := range shipments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			changed, err := s.SyncStatus(gctx, sh.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Errors[sh.ID] = err.Error()
				retryable := shipper.IsRetryable(err)
				if retryable {
					report.Retryable++
				}
				s.logger.Ctx(gctx).Warn("Tracking sync failed",
					zap.String("shipment_id", sh.ID),
					zap.Bool("retryable", retryable),
					zap.Error(err),
				)
			case changed:
				report.Updated++
			default:
				report.Unchanged++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	s.logger.Ctx(ctx).Info("Tracking sync finished",
		zap.Int("total", report.Total),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("retryable", report.Retryable),
	)
	return report, nil
}
