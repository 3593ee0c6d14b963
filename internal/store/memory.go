package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/shipsync/internal/domain"
)

type eventKey struct {
	shipmentID string
	code       string
	at         int64
}

// MemoryStore is a Store kept in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	shipments map[string]domain.Shipment
	parcels   map[string]domain.Parcel
	parcelSeq map[string]int
	events    []domain.ShipmentEvent
	eventKeys map[eventKey]struct{}
	quotes    map[string]domain.Quote
	offers    map[string]domain.Offer
	services  map[string]domain.Service
	webhooks  map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shipments: make(map[string]domain.Shipment),
		parcels:   make(map[string]domain.Parcel),
		parcelSeq: make(map[string]int),
		eventKeys: make(map[eventKey]struct{}),
		quotes:    make(map[string]domain.Quote),
		offers:    make(map[string]domain.Offer),
		services:  make(map[string]domain.Service),
		webhooks:  make(map[string]time.Time),
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// ============================================================================
// Shipments
// ============================================================================

func (s *MemoryStore) CreateShipment(ctx context.Context, sh *domain.Shipment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ensureID(&sh.ID)
	now := time.Now().UTC()
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = now
	}
	sh.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shipments[sh.ID] = *sh
	return nil
}

func (s *MemoryStore) GetShipment(ctx context.Context, id string) (*domain.Shipment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shipments[id]
	if !ok {
		return nil, domain.NewNotFoundError("shipment", id)
	}
	return &sh, nil
}

func (s *MemoryStore) FindShipmentByAPIOrderID(ctx context.Context, apiOrderID string) (*domain.Shipment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if apiOrderID != "" {
		for _, sh := range s.shipments {
			if sh.APIOrderID == apiOrderID {
				return &sh, nil
			}
		}
	}
	return nil, domain.NewNotFoundError("shipment", apiOrderID)
}

func (s *MemoryStore) UpdateShipment(ctx context.Context, sh *domain.Shipment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shipments[sh.ID]; !ok {
		return domain.NewNotFoundError("shipment", sh.ID)
	}
	sh.UpdatedAt = time.Now().UTC()
	s.shipments[sh.ID] = *sh
	return nil
}

func (s *MemoryStore) ListShipments(ctx context.Context, filter ShipmentFilter) ([]*domain.Shipment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Shipment
	for _, sh := range s.shipments {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, sh.Status) {
			continue
		}
		if filter.OrderRef != "" && sh.OrderRef != filter.OrderRef {
			continue
		}
		if !filter.CreatedAfter.IsZero() && sh.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if filter.WithAPIOrder && sh.APIOrderID == "" {
			continue
		}
		result = append(result, &sh)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ============================================================================
// Parcels
// ============================================================================

func (s *MemoryStore) CreateParcel(ctx context.Context, p *domain.Parcel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ensureID(&p.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parcelSeq[p.ID]; !ok {
		s.parcelSeq[p.ID] = len(s.parcelSeq)
	}
	s.parcels[p.ID] = *p
	return nil
}

func (s *MemoryStore) UpdateParcel(ctx context.Context, p *domain.Parcel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parcels[p.ID]; !ok {
		return domain.NewNotFoundError("parcel", p.ID)
	}
	s.parcels[p.ID] = *p
	return nil
}

func (s *MemoryStore) ListParcels(ctx context.Context, shipmentID string) ([]*domain.Parcel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Parcel
	for _, p := range s.parcels {
		if p.ShipmentID == shipmentID {
			result = append(result, &p)
		}
	}
	// Equal positions keep creation order.
	sort.Slice(result, func(i, j int) bool {
		if result[i].Position != result[j].Position {
			return result[i].Position < result[j].Position
		}
		return s.parcelSeq[result[i].ID] < s.parcelSeq[result[j].ID]
	})
	return result, nil
}

// ============================================================================
// Events
// ============================================================================

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *domain.ShipmentEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := eventKey{shipmentID: ev.ShipmentID, code: ev.Code, at: ev.OccurredAt.UnixNano()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.eventKeys[key]; dup {
		return false, nil
	}
	ensureID(&ev.ID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.eventKeys[key] = struct{}{}
	s.events = append(s.events, *ev)
	return true, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, shipmentID string) ([]*domain.ShipmentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ShipmentEvent
	for _, ev := range s.events {
		if ev.ShipmentID == shipmentID {
			result = append(result, &ev)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].OccurredAt.Before(result[j].OccurredAt) })
	return result, nil
}

// ============================================================================
// Quotes and offers
// ============================================================================

func (s *MemoryStore) CreateQuote(ctx context.Context, q *domain.Quote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ensureID(&q.ID)
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.ID] = *q
	return nil
}

func (s *MemoryStore) GetQuote(ctx context.Context, id string) (*domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, domain.NewNotFoundError("quote", id)
	}
	return &q, nil
}

func (s *MemoryStore) LatestQuote(ctx context.Context, cartID, addressID string) (*domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Quote
	for _, q := range s.quotes {
		if q.CartID != cartID || q.AddressID != addressID {
			continue
		}
		if latest == nil || q.CreatedAt.After(latest.CreatedAt) {
			latest = &q
		}
	}
	if latest == nil {
		return nil, domain.NewNotFoundError("quote", cartID)
	}
	return latest, nil
}

func (s *MemoryStore) DeleteQuotes(ctx context.Context, cartID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, q := range s.quotes {
		if q.CartID != cartID {
			continue
		}
		delete(s.quotes, id)
		for oid, o := range s.offers {
			if o.QuoteID == id {
				delete(s.offers, oid)
			}
		}
	}
	return nil
}

func (s *MemoryStore) CreateOffer(ctx context.Context, o *domain.Offer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ensureID(&o.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.ID] = *o
	return nil
}

func (s *MemoryStore) ListOffers(ctx context.Context, quoteID string) ([]*domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Offer
	for _, o := range s.offers {
		if o.QuoteID == quoteID {
			result = append(result, &o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TotalPrice < result[j].TotalPrice })
	return result, nil
}

// ============================================================================
// Services
// ============================================================================

func (s *MemoryStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, domain.NewNotFoundError("service", id)
	}
	return &svc, nil
}

func (s *MemoryStore) FindServiceByCode(ctx context.Context, code string) (*domain.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if svc.Code == code {
			return &svc, nil
		}
	}
	return nil, domain.NewNotFoundError("service", code)
}

func (s *MemoryStore) CreateService(ctx context.Context, svc *domain.Service) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ensureID(&svc.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.services {
		if existing.Code == svc.Code {
			*svc = existing
			return nil
		}
	}
	s.services[svc.ID] = *svc
	return nil
}

func (s *MemoryStore) ListActiveServices(ctx context.Context) ([]*domain.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Service
	for _, svc := range s.services {
		if svc.Active {
			result = append(result, &svc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

// ============================================================================
// Webhook receipts
// ============================================================================

func (s *MemoryStore) ClaimWebhook(ctx context.Context, eventID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.webhooks[eventID]; seen {
		return false, nil
	}
	s.webhooks[eventID] = at
	return true, nil
}

func (s *MemoryStore) ReleaseWebhook(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, eventID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
