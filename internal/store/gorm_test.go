package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T) (*store.GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return store.NewGormStore(db), mock
}

func TestGormStore_AppendEventDeduplicates(t *testing.T) {
	ctx := context.Background()
	s, mock := newGormStore(t)

	insert := `INSERT INTO "shipment_events" .* ON CONFLICT \("shipment_id","code","occurred_at"\) DO NOTHING`
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 0))

	at := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	first := &domain.ShipmentEvent{ShipmentID: "sh-1", Code: "in_transit", OccurredAt: at}
	inserted, err := s.AppendEvent(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, first.ID)

	inserted, err = s.AppendEvent(ctx, &domain.ShipmentEvent{ShipmentID: "sh-1", Code: "in_transit", OccurredAt: at})
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_WebhookClaims(t *testing.T) {
	ctx := context.Background()
	s, mock := newGormStore(t)

	claim := `INSERT INTO "webhook_receipts" .* ON CONFLICT DO NOTHING`
	mock.ExpectExec(claim).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "webhook_receipts" WHERE event_id = \$1`).
		WithArgs("evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	claimed, err := s.ClaimWebhook(ctx, "evt-1", now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimWebhook(ctx, "evt-1", now)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim of the same id")

	require.NoError(t, s.ReleaseWebhook(ctx, "evt-1"))

	claimed, err = s.ClaimWebhook(ctx, "evt-1", now)
	require.NoError(t, err)
	assert.True(t, claimed, "released id can be claimed again")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_ClaimWebhookError(t *testing.T) {
	s, mock := newGormStore(t)
	mock.ExpectExec(`INSERT INTO "webhook_receipts"`).WillReturnError(errors.New("connection reset"))

	claimed, err := s.ClaimWebhook(context.Background(), "evt-2", time.Now())
	require.Error(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_ListParcelsOrdersByPosition(t *testing.T) {
	s, mock := newGormStore(t)
	rows := sqlmock.NewRows([]string{"id", "shipment_id", "position"}).
		AddRow("p-a", "sh-1", 0).
		AddRow("p-b", "sh-1", 1)
	mock.ExpectQuery(`SELECT \* FROM "parcels" WHERE shipment_id = \$1 ORDER BY position ASC, id ASC`).
		WithArgs("sh-1").
		WillReturnRows(rows)

	parcels, err := s.ListParcels(context.Background(), "sh-1")
	require.NoError(t, err)
	require.Len(t, parcels, 2)
	assert.Equal(t, "p-a", parcels[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
