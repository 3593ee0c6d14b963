// Package quote requests, caches and selects carrier offers.
package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/telemetry"
	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a quote is reused for the same cart and address.
const DefaultTTL = 1800 * time.Second

// CartContext describes the cart being quoted and what is known about its destination.
type CartContext struct {
	CartID string  `json:"cart_id"`
	Weight float64 `json:"weight"`
	// Address is the delivery address chosen at checkout, if any.
	Address *domain.Address `json:"address,omitempty"`
	// CustomerAddress is the customer's default address, if any.
	CustomerAddress *domain.Address `json:"customer_address,omitempty"`
	// FallbackCountry is an ISO alpha-2 code used when no address is known.
	FallbackCountry string `json:"fallback_country,omitempty"`
}

func (c CartContext) addressID() string {
	if c.Address == nil {
		return ""
	}
	return c.Address.ID
}

// capitals are placeholder destinations for countries other than the shipper's.
var capitals = map[string][2]string{
	"FR": {"Paris", "75001"},
	"BE": {"Bruxelles", "1000"},
	"DE": {"Berlin", "10115"},
	"ES": {"Madrid", "28001"},
	"IT": {"Roma", "00100"},
	"GB": {"London", "SW1A 1AA"},
	"NL": {"Amsterdam", "1011"},
	"PT": {"Lisboa", "1100-001"},
	"CH": {"Zurich", "8001"},
	"LU": {"Luxembourg", "1111"},
}

// CacheStore is the persistence needed by Cache.
type CacheStore interface {
	store.QuoteStore
	store.ServiceStore
}

// Cache returns a recent quote for a cart or requests a new one.
type Cache struct {
	settings domain.Settings
	api      shipper.API
	store    CacheStore
	sizer    *Sizer
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	ttl      time.Duration
	group    singleflight.Group
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// NewCache creates a quote cache.
func NewCache(settings domain.Settings, api shipper.API, st CacheStore, logger *otelzap.Logger, metrics *telemetry.Metrics, opts ...CacheOption) *Cache {
	c := &Cache{
		settings: settings,
		api:      api,
		store:    st,
		sizer:    NewSizer(settings.MaxParcelWeight()),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		ttl:      DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCreate returns the newest quote for the cart and address when it is
// younger than the TTL, and otherwise requests and stores a fresh one.
// Concurrent calls for the same key share one API request.
func (c *Cache) GetOrCreate(ctx context.Context, cart CartContext) (*domain.Quote, error) {
	if !c.settings.APIConfigured() {
		return nil, domain.NewConfigurationError("api", "shipping API credentials are not configured")
	}

	existing, err := c.store.LatestQuote(ctx, cart.CartID, cart.addressID())
	switch {
	case err == nil && c.now().Sub(existing.CreatedAt) < c.ttl:
		c.metrics.RecordRequest("quote", "cached", 0)
		return existing, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		c.logger.Ctx(ctx).Debug("Quote lookup failed, requesting a new quote", zap.Error(err))
	}

	key := cart.CartID + "\x00" + cart.addressID()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.create(ctx, cart)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Quote), nil
}

func (c *Cache) create(ctx context.Context, cart CartContext) (*domain.Quote, error) {
	start := c.now()

	shipperParty := c.settings.Shipper()
	if shipperParty.City == "" || shipperParty.PostalCode == "" {
		return nil, domain.NewConfigurationError("shipper", "shipper city and postal code are required")
	}

	recipient := c.resolveRecipient(cart, shipperParty)
	if recipient.Country == "" {
		return nil, domain.NewValidationError("recipient", "no recipient address or fallback country available")
	}

	req := &shipper.QuoteRequest{
		Shipper:   shipper.Location{City: shipperParty.City, PostalCode: shipperParty.PostalCode, Country: shipperParty.Country},
		Recipient: recipient,
		Parcels:   c.sizer.Parcels(cart.Weight),
	}

	services, err := c.store.ListActiveServices(ctx)
	if err != nil {
		c.logger.Ctx(ctx).Warn("Listing active services failed", zap.Error(err))
	}
	for _, svc := range services {
		req.ProductCodes = append(req.ProductCodes, svc.Code)
	}

	res, err := c.api.RequestQuote(ctx, req)
	if err != nil {
		c.metrics.RecordAPIError("quote", string(shipper.CategoryOf(err)))
		c.logger.Ctx(ctx).Error("Quote request failed",
			zap.String("cart_id", cart.CartID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("requesting quote: %w", err)
	}

	q := &domain.Quote{
		CartID:     cart.CartID,
		AddressID:  cart.addressID(),
		APIQuoteID: res.ID.String(),
		CreatedAt:  c.now(),
	}
	if err := c.store.CreateQuote(ctx, q); err != nil {
		return nil, fmt.Errorf("saving quote: %w", err)
	}

	saved := 0
	for _, offer := range res.Offers {
		if err := c.saveOffer(ctx, q, offer); err != nil {
			c.logger.Ctx(ctx).Warn("Skipping offer",
				zap.String("product", offer.Product.Code),
				zap.Error(err),
			)
			continue
		}
		saved++
	}

	c.metrics.RecordRequest("quote", "created", c.now().Sub(start).Seconds())
	c.logger.Ctx(ctx).Info("Quote created",
		zap.String("quote_id", q.ID),
		zap.String("cart_id", cart.CartID),
		zap.Int("offers", saved),
	)
	return q, nil
}

// resolveRecipient picks explicit address, then customer default, then fallback country.
func (c *Cache) resolveRecipient(cart CartContext, shipperParty domain.Party) shipper.Location {
	for _, addr := range []*domain.Address{cart.Address, cart.CustomerAddress} {
		if addr == nil {
			continue
		}
		country := strings.ToUpper(addr.Country)
		if country == "" {
			country = "FR"
		}
		return shipper.Location{City: addr.City, PostalCode: addr.PostalCode, Country: country}
	}

	country := strings.ToUpper(strings.TrimSpace(cart.FallbackCountry))
	if country == "" {
		return shipper.Location{}
	}
	if country == shipperParty.Country {
		return shipper.Location{City: shipperParty.City, PostalCode: shipperParty.PostalCode, Country: country}
	}
	capital, ok := capitals[country]
	if !ok {
		capital = capitals["FR"]
	}
	return shipper.Location{City: capital[0], PostalCode: capital[1], Country: country}
}

func (c *Cache) saveOffer(ctx context.Context, q *domain.Quote, offer shipper.Offer) error {
	if offer.Product.Code == "" {
		return errors.New("offer has no product code")
	}

	svc, err := c.serviceFor(ctx, offer.Product)
	if err != nil {
		return err
	}

	currency := offer.Price.Currency
	if currency == "" {
		currency = "EUR"
	}
	var insurance int64
	if offer.InsurancePrice != nil {
		insurance = offer.InsurancePrice.Minor()
	}

	return c.store.CreateOffer(ctx, &domain.Offer{
		QuoteID:        q.ID,
		ServiceID:      svc.ID,
		APIOfferID:     offer.ID.String(),
		ProductCode:    offer.Product.Code,
		BasePrice:      offer.Price.Minor(),
		TotalPrice:     offer.Total().Minor(),
		InsurancePrice: insurance,
		Currency:       currency,
		DeliveryDays:   offer.Product.Delay.String(),
	})
}

// serviceFor finds the service for a product, creating it on first sight.
func (c *Cache) serviceFor(ctx context.Context, p shipper.Product) (*domain.Service, error) {
	svc, err := c.store.FindServiceByCode(ctx, p.Code)
	if err == nil {
		return svc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	carrier := p.CarrierCode
	if carrier == "" {
		carrier = "unknown"
	}
	name := p.Name
	if name == "" {
		name = "Unknown Service"
	}
	svc = &domain.Service{
		Code:        p.Code,
		CarrierCode: carrier,
		Name:        name,
		Relay:       p.Relay,
		PickUp:      p.PickUp,
		DropOff:     p.DropOff,
		TrackingURL: p.TrackingURL,
		Active:      true,
	}
	if err := c.store.CreateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("creating service %s: %w", p.Code, err)
	}
	return svc, nil
}

// Invalidate drops every quote of a cart. Failures are logged, never returned.
func (c *Cache) Invalidate(ctx context.Context, cartID string) {
	if err := c.store.DeleteQuotes(ctx, cartID); err != nil {
		c.logger.Ctx(ctx).Warn("Quote invalidation failed",
			zap.String("cart_id", cartID),
			zap.Error(err),
		)
	}
}
