package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/shipsync/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore is a Store backed by PostgreSQL through GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and returns a migrated GormStore.
func OpenPostgres(ctx context.Context, dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := NewGormStore(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGormStore wraps an open connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the schema.
func (s *GormStore) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&domain.Shipment{},
		&domain.Parcel{},
		&domain.ShipmentEvent{},
		&domain.Quote{},
		&domain.Offer{},
		&domain.Service{},
		&domain.WebhookReceipt{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewNotFoundError(entity, id)
	}
	return err
}

// ============================================================================
// Shipments
// ============================================================================

func (s *GormStore) CreateShipment(ctx context.Context, sh *domain.Shipment) error {
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(sh).Error
}

func (s *GormStore) GetShipment(ctx context.Context, id string) (*domain.Shipment, error) {
	var sh domain.Shipment
	if err := s.db.WithContext(ctx).First(&sh, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "shipment", id)
	}
	return &sh, nil
}

func (s *GormStore) FindShipmentByAPIOrderID(ctx context.Context, apiOrderID string) (*domain.Shipment, error) {
	if apiOrderID == "" {
		return nil, domain.NewNotFoundError("shipment", apiOrderID)
	}
	var sh domain.Shipment
	if err := s.db.WithContext(ctx).Where("api_order_id = ?", apiOrderID).First(&sh).Error; err != nil {
		return nil, notFound(err, "shipment", apiOrderID)
	}
	return &sh, nil
}

func (s *GormStore) UpdateShipment(ctx context.Context, sh *domain.Shipment) error {
	res := s.db.WithContext(ctx).Model(sh).Select("*").Omit("created_at").Updates(sh)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("shipment", sh.ID)
	}
	return nil
}

func (s *GormStore) ListShipments(ctx context.Context, filter ShipmentFilter) ([]*domain.Shipment, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.OrderRef != "" {
		q = q.Where("order_ref = ?", filter.OrderRef)
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where("created_at >= ?", filter.CreatedAfter)
	}
	if filter.WithAPIOrder {
		q = q.Where("api_order_id <> ''")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var shipments []*domain.Shipment
	if err := q.Find(&shipments).Error; err != nil {
		return nil, err
	}
	return shipments, nil
}

// ============================================================================
// Parcels
// ============================================================================

func (s *GormStore) CreateParcel(ctx context.Context, p *domain.Parcel) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) UpdateParcel(ctx context.Context, p *domain.Parcel) error {
	res := s.db.WithContext(ctx).Model(p).Select("*").Updates(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("parcel", p.ID)
	}
	return nil
}

func (s *GormStore) ListParcels(ctx context.Context, shipmentID string) ([]*domain.Parcel, error) {
	var parcels []*domain.Parcel
	err := s.db.WithContext(ctx).Where("shipment_id = ?", shipmentID).Order("position ASC, id ASC").Find(&parcels).Error
	return parcels, err
}

// ============================================================================
// Events
// ============================================================================

func (s *GormStore) AppendEvent(ctx context.Context, ev *domain.ShipmentEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "shipment_id"}, {Name: "code"}, {Name: "occurred_at"}},
			DoNothing: true,
		}).
		Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListEvents(ctx context.Context, shipmentID string) ([]*domain.ShipmentEvent, error) {
	var events []*domain.ShipmentEvent
	err := s.db.WithContext(ctx).Where("shipment_id = ?", shipmentID).Order("occurred_at ASC, created_at ASC").Find(&events).Error
	return events, err
}

// ============================================================================
// Quotes and offers
// ============================================================================

func (s *GormStore) CreateQuote(ctx context.Context, q *domain.Quote) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(q).Error
}

func (s *GormStore) GetQuote(ctx context.Context, id string) (*domain.Quote, error) {
	var q domain.Quote
	if err := s.db.WithContext(ctx).First(&q, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "quote", id)
	}
	return &q, nil
}

func (s *GormStore) LatestQuote(ctx context.Context, cartID, addressID string) (*domain.Quote, error) {
	var q domain.Quote
	err := s.db.WithContext(ctx).
		Where("cart_id = ? AND address_id = ?", cartID, addressID).
		Order("created_at DESC").
		First(&q).Error
	if err != nil {
		return nil, notFound(err, "quote", cartID)
	}
	return &q, nil
}

func (s *GormStore) DeleteQuotes(ctx context.Context, cartID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&domain.Quote{}).Select("id").Where("cart_id = ?", cartID)
		if err := tx.Where("quote_id IN (?)", sub).Delete(&domain.Offer{}).Error; err != nil {
			return err
		}
		return tx.Where("cart_id = ?", cartID).Delete(&domain.Quote{}).Error
	})
}

func (s *GormStore) CreateOffer(ctx context.Context, o *domain.Offer) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(o).Error
}

func (s *GormStore) ListOffers(ctx context.Context, quoteID string) ([]*domain.Offer, error) {
	var offers []*domain.Offer
	err := s.db.WithContext(ctx).Where("quote_id = ?", quoteID).Order("total_price ASC").Find(&offers).Error
	return offers, err
}

// ============================================================================
// Services
// ============================================================================

func (s *GormStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	var svc domain.Service
	if err := s.db.WithContext(ctx).First(&svc, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "service", id)
	}
	return &svc, nil
}

func (s *GormStore) FindServiceByCode(ctx context.Context, code string) (*domain.Service, error) {
	var svc domain.Service
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&svc).Error; err != nil {
		return nil, notFound(err, "service", code)
	}
	return &svc, nil
}

// CreateService inserts svc, or loads the existing row when the code is taken.
func (s *GormStore) CreateService(ctx context.Context, svc *domain.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(svc)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := s.FindServiceByCode(ctx, svc.Code)
		if err != nil {
			return err
		}
		*svc = *existing
	}
	return nil
}

func (s *GormStore) ListActiveServices(ctx context.Context) ([]*domain.Service, error) {
	var services []*domain.Service
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("code ASC").Find(&services).Error
	return services, err
}

// ============================================================================
// Webhook receipts
// ============================================================================

func (s *GormStore) ClaimWebhook(ctx context.Context, eventID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.WebhookReceipt{EventID: eventID, ReceivedAt: at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ReleaseWebhook(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Delete(&domain.WebhookReceipt{}, "event_id = ?", eventID).Error
}

var _ Store = (*GormStore)(nil)
