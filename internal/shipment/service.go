// Package shipment creates shipments from merchant orders and reports on them.
package shipment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/quote"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// PlaceholderPhone is stored when an order carries no phone number at all.
const PlaceholderPhone = "0000000000"

// OrderItem is one order line.
type OrderItem struct {
	Title    string          `json:"title"`
	Quantity int             `json:"quantity"`
	Weight   float64         `json:"weight"`
	Price    decimal.Decimal `json:"price"`
}

// OrderSnapshot is what the order pipeline knows about a paid order.
type OrderSnapshot struct {
	OrderRef  string `json:"order_ref"`
	CartID    string `json:"cart_id,omitempty"`
	ServiceID string `json:"service_id,omitempty"`
	OfferID   string `json:"offer_id,omitempty"`
	// Address is the delivery address.
	Address *domain.Address `json:"address,omitempty"`
	// FallbackPhone is used when the delivery address has no phone.
	FallbackPhone string             `json:"fallback_phone,omitempty"`
	Email         string             `json:"email,omitempty"`
	Relay         *domain.RelayPoint `json:"relay,omitempty"`
	Items         []OrderItem        `json:"items"`
}

// Store is the persistence needed by Service.
type Store interface {
	store.ShipmentStore
	store.QuoteStore
	store.ServiceStore
}

// Service manages the shipment records of orders.
type Service struct {
	settings domain.Settings
	api      shipper.API
	store    Store
	sizer    *quote.Sizer
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewService creates a shipment service.
func NewService(settings domain.Settings, api shipper.API, st Store, logger *otelzap.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		settings: settings,
		api:      api,
		store:    st,
		sizer:    quote.NewSizer(settings.MaxParcelWeight()),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// CreateFromOrder creates a pending shipment with one default parcel for order.
func (s *Service) CreateFromOrder(ctx context.Context, order OrderSnapshot) (*domain.Shipment, error) {
	if strings.TrimSpace(order.OrderRef) == "" {
		return nil, domain.NewValidationError("order_ref", "order reference is required")
	}
	hasRelay := order.Relay != nil && strings.TrimSpace(order.Relay.Code) != ""
	if order.Address == nil && !hasRelay {
		return nil, domain.NewValidationError("address", "order has no delivery address")
	}

	now := s.now().UTC()
	sh := &domain.Shipment{
		OrderRef:   order.OrderRef,
		ServiceID:  order.ServiceID,
		APIOfferID: order.OfferID,
		Shipper:    s.settings.Shipper(),
		Recipient:  recipientOf(order),
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sh.Shipper.Country == "" {
		sh.Shipper.Country = "FR"
	}
	if hasRelay {
		sh.Relay = *order.Relay
	}

	if order.CartID != "" {
		addressID := ""
		if order.Address != nil {
			addressID = order.Address.ID
		}
		q, err := s.store.LatestQuote(ctx, order.CartID, addressID)
		switch {
		case err == nil:
			sh.APIQuoteID = q.APIQuoteID
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.Ctx(ctx).Warn("Failed to look up cart quote",
				zap.String("cart_id", order.CartID),
				zap.Error(err),
			)
		}
	}

	if err := s.store.CreateShipment(ctx, sh); err != nil {
		return nil, fmt.Errorf("creating shipment: %w", err)
	}
	if err := s.store.CreateParcel(ctx, s.defaultParcel(sh.ID, order)); err != nil {
		return nil, fmt.Errorf("creating parcel: %w", err)
	}
	s.recordCreated(ctx, sh, fmt.Sprintf("Shipment created for order #%s", order.OrderRef))

	s.logger.Ctx(ctx).Info("Shipment created",
		zap.String("shipment_id", sh.ID),
		zap.String("order_ref", sh.OrderRef),
		zap.Bool("relay", hasRelay),
	)
	return sh, nil
}

func recipientOf(order OrderSnapshot) domain.Party {
	var p domain.Party
	if a := order.Address; a != nil {
		p = domain.Party{
			Name:       strings.TrimSpace(a.Name),
			Company:    a.Company,
			Street:     a.Street,
			City:       a.City,
			PostalCode: a.PostalCode,
			Country:    a.Country,
			Phone:      strings.TrimSpace(a.Phone),
		}
	}
	if p.Phone == "" {
		p.Phone = strings.TrimSpace(order.FallbackPhone)
	}
	if p.Phone == "" {
		p.Phone = PlaceholderPhone
	}
	p.Email = strings.TrimSpace(order.Email)
	if p.Email == "" && order.Address != nil {
		p.Email = order.Address.Email
	}

	if r := order.Relay; r != nil && strings.TrimSpace(r.Code) != "" {
		p.Street = r.Street
		p.City = r.City
		p.PostalCode = r.PostalCode
		p.Country = r.Country
	}
	if p.Country == "" {
		p.Country = "FR"
	}
	return p
}

func (s *Service) defaultParcel(shipmentID string, order OrderSnapshot) *domain.Parcel {
	var weight float64
	value := decimal.Zero
	titles := make([]string, 0, 3)
	for _, item := range order.Items {
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		weight += item.Weight * float64(qty)
		value = value.Add(item.Price.Mul(decimal.NewFromInt(int64(qty))))
		if len(titles) < 3 && item.Title != "" {
			titles = append(titles, item.Title)
		}
	}
	if weight <= 0 {
		weight = s.settings.DefaultParcelWeight()
	}
	dims := s.sizer.DimensionsFor(weight)

	return &domain.Parcel{
		ShipmentID:       shipmentID,
		Length:           dims.Length,
		Width:            dims.Width,
		Height:           dims.Height,
		Weight:           weight,
		Value:            value.Shift(2).Round(0).IntPart(),
		Currency:         "EUR",
		Description:      strings.Join(titles, ", "),
		ShipperReference: order.OrderRef,
	}
}

func (s *Service) recordCreated(ctx context.Context, sh *domain.Shipment, label string) {
	_, err := s.store.AppendEvent(ctx, &domain.ShipmentEvent{
		ShipmentID: sh.ID,
		Code:       domain.EventCreated,
		Label:      label,
		OccurredAt: sh.CreatedAt,
	})
	if err != nil {
		s.logger.Ctx(ctx).Error("Failed to record creation event",
			zap.String("shipment_id", sh.ID),
			zap.Error(err),
		)
	}
}

// CreateReturn creates a pending return for a shipped or delivered shipment.
// The customer becomes the shipper and the store address the recipient.
// serviceID defaults to the original shipment's service.
func (s *Service) CreateReturn(ctx context.Context, shipmentID, serviceID string) (*domain.Shipment, error) {
	orig, err := s.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if orig.Status != domain.StatusShipped && orig.Status != domain.StatusDelivered {
		return nil, domain.NewValidationError("status", fmt.Sprintf("cannot create a return for a %s shipment", orig.Status))
	}
	if serviceID == "" {
		serviceID = orig.ServiceID
	}

	now := s.now().UTC()
	ret := &domain.Shipment{
		OrderRef:  orig.OrderRef,
		ServiceID: serviceID,
		Shipper:   orig.Recipient,
		Recipient: mergeParty(s.settings.Shipper(), orig.Shipper),
		Status:    domain.StatusPending,
		IsReturn:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ret.Recipient.Country == "" {
		ret.Recipient.Country = "FR"
	}

	parcels, err := s.store.ListParcels(ctx, orig.ID)
	if err != nil {
		return nil, fmt.Errorf("listing parcels: %w", err)
	}

	if err := s.store.CreateShipment(ctx, ret); err != nil {
		return nil, fmt.Errorf("creating return shipment: %w", err)
	}
	for _, p := range parcels {
		rp := &domain.Parcel{
			ShipmentID:       ret.ID,
			Position:         p.Position,
			Length:           p.Length,
			Width:            p.Width,
			Height:           p.Height,
			Weight:           p.Weight,
			Value:            p.Value,
			Currency:         p.Currency,
			Description:      strings.TrimSpace("Return - " + p.Description),
			ShipperReference: "RET-" + orig.OrderRef,
		}
		if err := s.store.CreateParcel(ctx, rp); err != nil {
			return nil, fmt.Errorf("creating return parcel: %w", err)
		}
	}
	s.recordCreated(ctx, ret, fmt.Sprintf("Return shipment created for order #%s", orig.OrderRef))

	s.logger.Ctx(ctx).Info("Return shipment created",
		zap.String("return_shipment_id", ret.ID),
		zap.String("original_shipment_id", orig.ID),
	)
	return ret, nil
}

// mergeParty fills the blank fields of primary from fallback.
func mergeParty(primary, fallback domain.Party) domain.Party {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
	return domain.Party{
		Name:       pick(primary.Name, fallback.Name),
		Company:    pick(primary.Company, fallback.Company),
		Street:     pick(primary.Street, fallback.Street),
		City:       pick(primary.City, fallback.City),
		PostalCode: pick(primary.PostalCode, fallback.PostalCode),
		Country:    pick(primary.Country, fallback.Country),
		Phone:      pick(primary.Phone, fallback.Phone),
		Email:      pick(primary.Email, fallback.Email),
	}
}

// ============================================================================
// Read models
// ============================================================================

// ParcelView is a parcel with its carrier tracking link.
type ParcelView struct {
	*domain.Parcel
	TrackingURL string `json:"tracking_url,omitempty"`
}

// Details is everything known about a shipment.
type Details struct {
	Shipment *domain.Shipment        `json:"shipment"`
	Service  *domain.Service         `json:"service,omitempty"`
	Parcels  []ParcelView            `json:"parcels"`
	Events   []*domain.ShipmentEvent `json:"events"`
}

// Details returns the shipment with its parcels and its events, newest first.
func (s *Service) Details(ctx context.Context, shipmentID string) (*Details, error) {
	sh, err := s.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}

	var svc *domain.Service
	if sh.ServiceID != "" {
		if svc, err = s.store.GetService(ctx, sh.ServiceID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	parcels, err := s.store.ListParcels(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	views := make([]ParcelView, 0, len(parcels))
	for _, p := range parcels {
		views = append(views, ParcelView{Parcel: p, TrackingURL: svc.TrackingLink(p.TrackingNumber)})
	}

	events, err := s.store.ListEvents(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].OccurredAt.After(events[j].OccurredAt) })

	return &Details{Shipment: sh, Service: svc, Parcels: views, Events: events}, nil
}

// Label is a printable parcel label.
type Label struct {
	ParcelID       string `json:"parcel_id"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	LabelURL       string `json:"label_url"`
}

// Labels returns the labels of a shipment's parcels. Missing labels of a
// booked shipment are fetched from the order detail, falling back to the
// direct label URL of the order.
func (s *Service) Labels(ctx context.Context, shipmentID string) ([]Label, error) {
	sh, err := s.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	parcels, err := s.store.ListParcels(ctx, sh.ID)
	if err != nil {
		return nil, err
	}

	if sh.APIOrderID != "" && missingLabels(parcels) {
		s.fetchLabels(ctx, sh, parcels)
	}

	labels := make([]Label, 0, len(parcels))
	for _, p := range parcels {
		if p.LabelURL == "" {
			continue
		}
		labels = append(labels, Label{ParcelID: p.ID, TrackingNumber: p.TrackingNumber, LabelURL: p.LabelURL})
	}
	return labels, nil
}

func missingLabels(parcels []*domain.Parcel) bool {
	for _, p := range parcels {
		if p.LabelURL == "" {
			return true
		}
	}
	return false
}

func (s *Service) fetchLabels(ctx context.Context, sh *domain.Shipment, parcels []*domain.Parcel) {
	doc, err := s.api.GetOrder(ctx, sh.APIOrderID)
	if err != nil {
		s.metrics.RecordAPIError("get_order", string(shipper.CategoryOf(err)))
		s.logger.Ctx(ctx).Warn("Failed to fetch order for labels",
			zap.String("shipment_id", sh.ID),
			zap.Error(err),
		)
	} else {
		order := doc.Map("data")
		if order == nil {
			order = doc.Map("order")
		}
		if order == nil {
			order = doc
		}
		for i, remote := range order.Maps("parcels") {
			if i >= len(parcels) {
				break
			}
			changed := false
			if parcels[i].LabelURL == "" {
				if url := remoteLabel(remote); url != "" {
					parcels[i].LabelURL = url
					changed = true
				}
			}
			if parcels[i].TrackingNumber == "" {
				if tn := remote.String("tracking_number"); tn != "" {
					parcels[i].TrackingNumber = tn
					changed = true
				}
			}
			if changed {
				s.saveParcel(ctx, parcels[i])
			}
		}
	}

	if !missingLabels(parcels) {
		return
	}
	direct := s.api.LabelURL(sh.APIOrderID, "pdf")
	s.logger.Ctx(ctx).Info("Labels still missing, using direct label URL",
		zap.String("shipment_id", sh.ID),
		zap.String("label_url", direct),
	)
	for _, p := range parcels {
		if p.LabelURL == "" {
			p.LabelURL = direct
			s.saveParcel(ctx, p)
		}
	}
}

func remoteLabel(parcel shipper.Document) string {
	if url := parcel.String("label_url", "label"); url != "" {
		return url
	}
	if m := parcel.Map("label"); m != nil {
		return m.String("url", "pdf")
	}
	return parcel.Map("labels").String("pdf", "url")
}

func (s *Service) saveParcel(ctx context.Context, p *domain.Parcel) {
	if err := s.store.UpdateParcel(ctx, p); err != nil {
		s.logger.Ctx(ctx).Error("Failed to save parcel label",
			zap.String("parcel_id", p.ID),
			zap.Error(err),
		)
	}
}
