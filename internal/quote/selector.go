package quote

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// ErrNoOffer matches every NoOfferError.
var ErrNoOffer = errors.New("no shipping offer available")

// NoOfferError explains why no offer could be selected for a route.
type NoOfferError struct {
	ShipperCity      string
	ShipperCountry   string
	RecipientCity    string
	RecipientCountry string
	ServiceName      string
	Received         int
	Filtered         int
}

func (e *NoOfferError) Error() string {
	if e.Received == 0 {
		msg := fmt.Sprintf("no shipping offers available for route %s (%s) → %s (%s)",
			e.ShipperCity, e.ShipperCountry, e.RecipientCity, e.RecipientCountry)
		if e.ServiceName != "" {
			msg += fmt.Sprintf(" (%s)", e.ServiceName)
		}
		return msg + "; check that the service supports this route"
	}

	msg := "no valid offer found"
	if e.ServiceName != "" {
		msg += fmt.Sprintf(" for service '%s'", e.ServiceName)
	}
	return fmt.Sprintf("%s: %d offers received but %d were filtered out (relay/return services excluded)",
		msg, e.Received, e.Filtered)
}

// Is matches ErrNoOffer.
func (e *NoOfferError) Is(target error) bool {
	return target == ErrNoOffer
}

// Selection is the offer chosen for booking.
type Selection struct {
	QuoteID     string
	OfferID     string
	ProductCode string
	ProductName string
	Relay       bool
}

// SelectorStore is the persistence needed by Selector.
type SelectorStore interface {
	store.QuoteStore
	store.ServiceStore
}

// Selector ranks stored offers for display and picks a bookable offer.
type Selector struct {
	api     shipper.API
	store   SelectorStore
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
}

// NewSelector creates an offer selector.
func NewSelector(api shipper.API, st SelectorStore, logger *otelzap.Logger, metrics *telemetry.Metrics) *Selector {
	return &Selector{api: api, store: st, logger: logger, metrics: metrics}
}

// BestPrice returns the lowest total price of the quote in minor units.
// ok is false when the quote has no offers.
func (s *Selector) BestPrice(ctx context.Context, quoteID string) (price int64, ok bool, err error) {
	offers, err := s.store.ListOffers(ctx, quoteID)
	if err != nil {
		return 0, false, err
	}
	for i, o := range offers {
		if i == 0 || o.TotalPrice < price {
			price = o.TotalPrice
		}
	}
	return price, len(offers) > 0, nil
}

// Offers returns the quote's offers, cheapest first.
func (s *Selector) Offers(ctx context.Context, quoteID string) ([]*domain.Offer, error) {
	offers, err := s.store.ListOffers(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	sortByPrice(offers)
	return offers, nil
}

func sortByPrice(offers []*domain.Offer) {
	slices.SortStableFunc(offers, func(a, b *domain.Offer) int {
		return cmp.Compare(a.TotalPrice, b.TotalPrice)
	})
}

// SelectForBooking requests a fresh quote for the shipment and picks an offer.
// Relay products need a relay code on the shipment and return products need a
// return shipment. The assigned service's product wins, otherwise the first
// survivor does.
func (s *Selector) SelectForBooking(ctx context.Context, sh *domain.Shipment, parcels []*domain.Parcel) (*Selection, error) {
	req := &shipper.QuoteRequest{
		Shipper: shipper.Location{
			City:       sh.Shipper.City,
			PostalCode: sh.Shipper.PostalCode,
			Country:    orDefault(sh.Shipper.Country, "FR"),
		},
		Recipient: shipper.Location{
			City:       sh.Recipient.City,
			PostalCode: sh.Recipient.PostalCode,
			Country:    orDefault(sh.Recipient.Country, "FR"),
			IsCompany:  sh.Recipient.Company != "",
		},
	}
	for _, p := range parcels {
		req.Parcels = append(req.Parcels, shipper.Parcel{
			Length: orDefaultFloat(p.Length, 20),
			Width:  orDefaultFloat(p.Width, 20),
			Height: orDefaultFloat(p.Height, 20),
			Weight: orDefaultFloat(p.Weight, 1),
		})
	}

	var service *domain.Service
	if sh.ServiceID != "" {
		svc, err := s.store.GetService(ctx, sh.ServiceID)
		switch {
		case err == nil:
			service = svc
			req.ProductCodes = []string{svc.Code}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	res, err := s.api.RequestQuote(ctx, req)
	if err != nil {
		s.metrics.RecordAPIError("select_offer", string(shipper.CategoryOf(err)))
		return nil, fmt.Errorf("quote API error: %w", err)
	}

	noOffer := &NoOfferError{
		ShipperCity:      req.Shipper.City,
		ShipperCountry:   req.Shipper.Country,
		RecipientCity:    req.Recipient.City,
		RecipientCountry: req.Recipient.Country,
		Received:         len(res.Offers),
	}
	if service != nil {
		noOffer.ServiceName = service.Name
	}
	if len(res.Offers) == 0 {
		s.logger.Ctx(ctx).Error("No offers in quote response", zap.String("shipment_id", sh.ID))
		return nil, noOffer
	}

	candidates := FilterForShipment(res.Offers, sh.HasRelay(), sh.IsReturn)
	noOffer.Filtered = len(res.Offers) - len(candidates)

	s.logger.Ctx(ctx).Info("Filtered offers",
		zap.String("shipment_id", sh.ID),
		zap.Int("received", len(res.Offers)),
		zap.Int("kept", len(candidates)),
	)

	var selected *shipper.Offer
	if service != nil {
		for i := range candidates {
			if candidates[i].Product.Code == service.Code {
				selected = &candidates[i]
				break
			}
		}
	}
	if selected == nil && len(candidates) > 0 {
		selected = &candidates[0]
	}
	if selected == nil {
		return nil, noOffer
	}

	return &Selection{
		QuoteID:     res.ID.String(),
		OfferID:     selected.ID.String(),
		ProductCode: selected.Product.Code,
		ProductName: selected.Product.Name,
		Relay:       selected.Product.Relay,
	}, nil
}

// FilterForShipment drops relay offers when no relay point is chosen, return
// offers for outbound shipments, and offers without an id.
func FilterForShipment(offers []shipper.Offer, hasRelay, isReturn bool) []shipper.Offer {
	kept := make([]shipper.Offer, 0, len(offers))
	for _, o := range offers {
		if o.Product.Relay && !hasRelay {
			continue
		}
		if o.Product.IsReturn() && !isReturn {
			continue
		}
		if o.ID == "" {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
