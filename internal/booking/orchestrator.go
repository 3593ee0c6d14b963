// Package booking turns pending shipments into carrier orders.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/keylock"
	"github.com/tournevent/shipsync/internal/quote"
	"github.com/tournevent/shipsync/internal/status"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// OfferSelector picks a bookable offer from a fresh quote.
type OfferSelector interface {
	SelectForBooking(ctx context.Context, sh *domain.Shipment, parcels []*domain.Parcel) (*quote.Selection, error)
}

// StatusApplier applies status transitions.
type StatusApplier interface {
	Apply(ctx context.Context, sh *domain.Shipment, proposed domain.Status, tr status.Transition) (bool, error)
}

// BookRequest identifies the shipment to book.
type BookRequest struct {
	ShipmentID string `json:"shipment_id"`
	// CollectionDate is the pickup day requested from the carrier, if any.
	CollectionDate *time.Time `json:"collection_date,omitempty"`
}

// BookResult is a successful booking.
type BookResult struct {
	Shipment    *domain.Shipment `json:"shipment"`
	Parcels     []*domain.Parcel `json:"parcels"`
	OfferID     string           `json:"offer_id"`
	ProductCode string           `json:"product_code"`
}

// Orchestrator books shipments with the carrier API.
type Orchestrator struct {
	settings domain.Settings
	api      shipper.API
	store    store.ShipmentStore
	selector OfferSelector
	machine  StatusApplier
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	locks    keylock.Map
}

// New creates a booking orchestrator.
func New(
	settings domain.Settings,
	api shipper.API,
	st store.ShipmentStore,
	selector OfferSelector,
	machine StatusApplier,
	logger *otelzap.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	return &Orchestrator{
		settings: settings,
		api:      api,
		store:    st,
		selector: selector,
		machine:  machine,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Book places the carrier order for a pending shipment and moves it to booked.
// Bookings of the same shipment are serialized. Every failure, including a
// panic further down, is returned as an error.
func (o *Orchestrator) Book(ctx context.Context, req BookRequest) (res *BookResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Ctx(ctx).Error("Booking panicked",
				zap.String("shipment_id", req.ShipmentID),
				zap.Any("panic", r),
			)
			res, err = nil, fmt.Errorf("booking shipment %s: unexpected failure: %v", req.ShipmentID, r)
		}

		outcome := "success"
		if err != nil {
			outcome = "failure"
			o.logger.Ctx(ctx).Warn("Booking failed",
				zap.String("shipment_id", req.ShipmentID),
				zap.Error(err),
			)
		}
		o.metrics.RecordRequest("book", outcome, time.Since(start).Seconds())
	}()

	unlock := o.locks.Lock(req.ShipmentID)
	defer unlock()

	return o.book(ctx, req)
}

func (o *Orchestrator) book(ctx context.Context, req BookRequest) (*BookResult, error) {
	if !o.settings.APIConfigured() {
		return nil, domain.NewConfigurationError("api", "shipping API credentials are not configured")
	}

	sh, err := o.store.GetShipment(ctx, req.ShipmentID)
	if err != nil {
		return nil, err
	}
	if sh.Status != domain.StatusPending {
		return nil, domain.NewValidationError("status", fmt.Sprintf("only pending shipments can be booked, shipment is %s", sh.Status))
	}
	if sh.APIOrderID != "" {
		return o.resume(ctx, sh)
	}

	parcels, err := o.store.ListParcels(ctx, sh.ID)
	if err != nil {
		return nil, fmt.Errorf("listing parcels: %w", err)
	}
	if err := validateParcels(parcels); err != nil {
		return nil, err
	}

	o.backfillShipper(sh)
	if sh.Shipper.City == "" || sh.Shipper.PostalCode == "" {
		return nil, domain.NewConfigurationError("shipper", "shipper city and postal code are required")
	}
	if sh.Recipient.City == "" || sh.Recipient.PostalCode == "" {
		return nil, domain.NewValidationError("recipient", "recipient city and postal code are required")
	}
	if sh.Recipient.Country == "" {
		sh.Recipient.Country = "FR"
	}

	sh.Shipper.Phone = NormalizePhone(sh.Shipper.Phone, sh.Shipper.Country)
	sh.Recipient.Phone = NormalizePhone(sh.Recipient.Phone, sh.Recipient.Country)
	sh.Shipper.Email = ShipperEmail(sh.Shipper.Email, sh.Recipient.Email)

	sel, err := o.selector.SelectForBooking(ctx, sh, parcels)
	if err != nil {
		return nil, err
	}
	sh.APIQuoteID = sel.QuoteID
	sh.APIOfferID = sel.OfferID

	order := &shipper.OrderRequest{
		OfferID:   sel.OfferID,
		Shipper:   location(sh.Shipper),
		Recipient: location(sh.Recipient),
		Parcels:   orderParcels(parcels),
	}
	order.Recipient.IsCompany = sh.Recipient.Company != ""
	if sh.HasRelay() {
		order.DeliveryLocationCode = strings.TrimSpace(sh.Relay.Code)
	}
	if req.CollectionDate != nil {
		order.CollectionDate = req.CollectionDate.Format(time.DateOnly)
		collection := *req.CollectionDate
		sh.CollectionDate = &collection
	}

	o.logger.Ctx(ctx).Info("Placing order",
		zap.String("shipment_id", sh.ID),
		zap.String("offer_id", sel.OfferID),
		zap.String("product", sel.ProductCode),
		zap.Int("parcels", len(parcels)),
	)

	placed, err := o.api.PlaceOrder(ctx, order)
	if err != nil {
		o.metrics.RecordAPIError("book", string(shipper.CategoryOf(err)))
		return nil, fmt.Errorf("placing order: %w", err)
	}
	if placed.ID == "" {
		return nil, fmt.Errorf("placing order: %w", shipper.ErrEmptyResponse)
	}

	bookedAt := o.now().UTC()
	sh.APIOrderID = placed.ID.String()
	sh.BookedAt = &bookedAt
	if err := o.saveOrder(ctx, sh); err != nil {
		return nil, err
	}

	for i, p := range placed.Parcels {
		if i >= len(parcels) {
			break
		}
		if p.TrackingNumber == "" && p.LabelURL == "" {
			continue
		}
		if p.TrackingNumber != "" {
			parcels[i].TrackingNumber = p.TrackingNumber
		}
		if p.LabelURL != "" {
			parcels[i].LabelURL = p.LabelURL
		}
		if err := o.store.UpdateParcel(ctx, parcels[i]); err != nil {
			o.logger.Ctx(ctx).Error("Failed to save parcel tracking",
				zap.String("parcel_id", parcels[i].ID),
				zap.Error(err),
			)
		}
	}

	label := "Shipment booked"
	if sel.ProductName != "" {
		label = fmt.Sprintf("Shipment booked with %s", sel.ProductName)
	}
	changed, err := o.machine.Apply(ctx, sh, domain.StatusBooked, status.Transition{OccurredAt: bookedAt, Label: label})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("shipment %s changed status while booking, order %s was placed", sh.ID, sh.APIOrderID)
	}

	o.logger.Ctx(ctx).Info("Shipment booked",
		zap.String("shipment_id", sh.ID),
		zap.String("api_order_id", sh.APIOrderID),
	)

	return &BookResult{
		Shipment:    sh,
		Parcels:     parcels,
		OfferID:     sel.OfferID,
		ProductCode: sel.ProductCode,
	}, nil
}

// orderSaveAttempts bounds the retries of the write recording a placed order.
const orderSaveAttempts = 3

// saveOrder records the carrier order on the shipment before anything else
// happens, so a failed booking is resumed instead of placed twice.
func (o *Orchestrator) saveOrder(ctx context.Context, sh *domain.Shipment) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= orderSaveAttempts; attempt++ {
		if err = o.store.UpdateShipment(ctx, sh); err == nil {
			return nil
		}
		o.logger.Ctx(ctx).Warn("Failed to save placed order",
			zap.String("shipment_id", sh.ID),
			zap.String("api_order_id", sh.APIOrderID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	o.logger.Ctx(ctx).Error("Placed order could not be recorded",
		zap.String("shipment_id", sh.ID),
		zap.String("api_order_id", sh.APIOrderID),
	)
	return fmt.Errorf("saving order %s: %w", sh.APIOrderID, err)
}

// resume finishes a booking whose carrier order was placed and recorded but
// whose status transition did not complete.
func (o *Orchestrator) resume(ctx context.Context, sh *domain.Shipment) (*BookResult, error) {
	o.logger.Ctx(ctx).Info("Resuming booking of placed order",
		zap.String("shipment_id", sh.ID),
		zap.String("api_order_id", sh.APIOrderID),
	)

	tr := status.Transition{Label: "Shipment booked"}
	if sh.BookedAt != nil {
		tr.OccurredAt = *sh.BookedAt
	}
	changed, err := o.machine.Apply(ctx, sh, domain.StatusBooked, tr)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("shipment %s changed status while booking, order %s was placed", sh.ID, sh.APIOrderID)
	}

	parcels, err := o.store.ListParcels(ctx, sh.ID)
	if err != nil {
		return nil, fmt.Errorf("listing parcels: %w", err)
	}
	return &BookResult{Shipment: sh, Parcels: parcels, OfferID: sh.APIOfferID}, nil
}

// backfillShipper fills blank shipper fields from the configured store address.
func (o *Orchestrator) backfillShipper(sh *domain.Shipment) {
	def := o.settings.Shipper()
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&sh.Shipper.Name, def.Name)
	fill(&sh.Shipper.Company, def.Company)
	fill(&sh.Shipper.Street, def.Street)
	fill(&sh.Shipper.City, def.City)
	fill(&sh.Shipper.PostalCode, def.PostalCode)
	fill(&sh.Shipper.Country, def.Country)
	fill(&sh.Shipper.Phone, def.Phone)
	fill(&sh.Shipper.Email, def.Email)
	fill(&sh.Shipper.Country, "FR")
}

func validateParcels(parcels []*domain.Parcel) error {
	if len(parcels) == 0 {
		return domain.NewValidationError("parcels", "no parcels defined for this shipment")
	}
	for i, p := range parcels {
		if p.Length <= 0 || p.Width <= 0 || p.Height <= 0 {
			return domain.NewValidationError("parcels", fmt.Sprintf("parcel %d has non-positive dimensions", i+1))
		}
		if p.Weight <= 0 {
			return domain.NewValidationError("parcels", fmt.Sprintf("parcel %d has non-positive weight", i+1))
		}
	}
	return nil
}

func location(p domain.Party) shipper.Location {
	return shipper.Location{
		Name:       p.Name,
		Company:    p.Company,
		Street:     p.Street,
		City:       p.City,
		PostalCode: p.PostalCode,
		Country:    p.Country,
		Phone:      p.Phone,
		Email:      p.Email,
	}
}

func orderParcels(parcels []*domain.Parcel) []shipper.Parcel {
	out := make([]shipper.Parcel, 0, len(parcels))
	for _, p := range parcels {
		op := shipper.Parcel{
			Length:           p.Length,
			Width:            p.Width,
			Height:           p.Height,
			Weight:           p.Weight,
			Currency:         p.Currency,
			Description:      p.Description,
			ShipperReference: p.ShipperReference,
		}
		if p.Value > 0 {
			op.Value = decimal.New(p.Value, -2).StringFixed(2)
			if op.Currency == "" {
				op.Currency = "EUR"
			}
		}
		out = append(out, op)
	}
	return out
}
