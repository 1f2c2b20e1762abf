package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/outbox/payloads"
)

func newOutboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:outbox_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}))
	return conn
}

func TestEmitWritesEnvelope(t *testing.T) {
	db := newOutboxTestDB(t)
	repo := NewRepository(db)
	svc := NewService(repo, nil)
	bookingID := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventBookingCreated,
			AggregateType: enums.AggregateBooking,
			AggregateID:   bookingID,
			Source:        SourceAPI,
			Data: payloads.BookingEvent{
				BookingID: bookingID,
				Quantity:  3,
				Status:    enums.BookingStatusPending,
			},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(context.Background(), bookingID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, enums.EventBookingCreated, rows[0].EventType)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	require.Equal(t, defaultEnvelopeVersion, envelope.Version)
	require.Equal(t, SourceAPI, envelope.Source)
	require.NotEmpty(t, envelope.EventID)

	var data payloads.BookingEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	require.Equal(t, 3, data.Quantity)
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	err := svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventBookingCreated})
	require.ErrorIs(t, err, ErrTxRequired)
}

func TestEmitRejectsMalformedEvents(t *testing.T) {
	db := newOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)
	cases := map[string]DomainEvent{
		"unknown event type": {EventType: "booking_archived", AggregateType: enums.AggregateBooking, AggregateID: uuid.New()},
		"unknown aggregate":  {EventType: enums.EventBookingCreated, AggregateType: "invoice", AggregateID: uuid.New()},
		"missing aggregate":  {EventType: enums.EventBookingCreated, AggregateType: enums.AggregateBooking},
	}
	for name, event := range cases {
		err := db.Transaction(func(tx *gorm.DB) error {
			return svc.Emit(context.Background(), tx, event)
		})
		require.Error(t, err, name)
	}

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEmitStampsOccurredAtFromClock(t *testing.T) {
	db := newOutboxTestDB(t)
	repo := NewRepository(db)
	svc := NewService(repo, nil)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))
	svc.now = func() time.Time { return fixed }
	bookingID := uuid.New()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventBookingCanceled,
			AggregateType: enums.AggregateBooking,
			AggregateID:   bookingID,
			Data:          payloads.BookingEvent{BookingID: bookingID},
		})
	}))

	rows, err := repo.ListByAggregate(context.Background(), bookingID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	require.True(t, fixed.Equal(envelope.OccurredAt))
	require.Equal(t, time.UTC, envelope.OccurredAt.Location())
}

func TestEmitRolledBackWithTransaction(t *testing.T) {
	db := newOutboxTestDB(t)
	repo := NewRepository(db)
	svc := NewService(repo, nil)
	bookingID := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventBookingConfirmed,
			AggregateType: enums.AggregateBooking,
			AggregateID:   bookingID,
			Data:          payloads.BookingEvent{BookingID: bookingID},
		}); err != nil {
			return err
		}
		return errors.New("transition lost")
	})
	require.Error(t, err)

	rows, err := repo.ListByAggregate(context.Background(), bookingID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	db := newOutboxTestDB(t)
	repo := NewRepository(db)

	first := seedEvent(t, db, time.Now().Add(-2*time.Minute))
	second := seedEvent(t, db, time.Now().Add(-time.Minute))

	var fetched []models.OutboxEvent
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		fetched, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		return err
	}))
	require.Len(t, fetched, 2)
	require.Equal(t, first.ID, fetched[0].ID)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if err := repo.MarkPublishedTx(tx, first.ID); err != nil {
			return err
		}
		return repo.MarkFailedTx(tx, second.ID, errors.New("broker down"))
	}))

	var reloaded models.OutboxEvent
	require.NoError(t, db.First(&reloaded, "id = ?", second.ID).Error)
	require.Equal(t, 1, reloaded.AttemptCount)
	require.NotNil(t, reloaded.LastError)
	require.Equal(t, "broker down", *reloaded.LastError)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return repo.MarkTerminalTx(tx, second.ID, errors.New("gave up"), 3)
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		fetched, err = repo.FetchUnpublishedForPublish(tx, 10, 3)
		return err
	}))
	require.Empty(t, fetched)
}

func TestRepositoryDeletePublishedBefore(t *testing.T) {
	db := newOutboxTestDB(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	oldPublished := seedEvent(t, db, now.Add(-48*time.Hour))
	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("id = ?", oldPublished.ID).
		Update("published_at", now.Add(-47*time.Hour)).Error)

	oldDead := seedEvent(t, db, now.Add(-48*time.Hour))
	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("id = ?", oldDead.ID).
		Update("attempt_count", 10).Error)

	oldPending := seedEvent(t, db, now.Add(-48*time.Hour))
	recent := seedEvent(t, db, now)
	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("id = ?", recent.ID).
		Update("published_at", now).Error)

	deleted, err := repo.DeletePublishedBefore(context.Background(), nil, now.Add(-24*time.Hour), 5)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, db.Order("created_at ASC").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	ids := []uuid.UUID{remaining[0].ID, remaining[1].ID}
	require.ElementsMatch(t, []uuid.UUID{oldPending.ID, recent.ID}, ids)
}

func TestDLQRepositoryTruncatesAndCounts(t *testing.T) {
	db := newOutboxTestDB(t)
	dlq := NewDLQRepository(db)
	eventID := uuid.New()

	event := models.OutboxEvent{
		ID:            eventID,
		EventType:     enums.EventBookingExpired,
		AggregateType: enums.AggregateBooking,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
		AttemptCount:  5,
	}
	cause := errors.New(strings.Repeat("é", maxDLQErrorBytes))
	failedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return dlq.InsertTx(tx, NewDLQEntry(event, enums.OutboxDLQReasonMaxAttempts, cause, failedAt))
	}))

	entry, err := dlq.FindByEventID(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 5, entry.AttemptCount)
	require.LessOrEqual(t, len(*entry.ErrorMessage), maxDLQErrorBytes)
	require.True(t, utf8.ValidString(*entry.ErrorMessage))
	require.True(t, failedAt.Equal(entry.FailedAt))

	missing, err := dlq.FindByEventID(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)

	count, err := dlq.CountByReason(context.Background(), enums.OutboxDLQReasonMaxAttempts)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	err = db.Transaction(func(tx *gorm.DB) error {
		return dlq.InsertTx(tx, models.OutboxDLQ{EventID: uuid.New(), ErrorReason: "timeout"})
	})
	require.Error(t, err)
	require.ErrorIs(t, dlq.InsertTx(nil, models.OutboxDLQ{}), ErrTxRequired)
}

func seedEvent(t *testing.T, db *gorm.DB, createdAt time.Time) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		EventType:     enums.EventBookingCreated,
		AggregateType: enums.AggregateBooking,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1,"eventId":"x","data":{}}`),
		CreatedAt:     createdAt,
	}
	require.NoError(t, db.Create(&row).Error)
	return row
}

func TestSourceFromContext(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, SourceAPI, SourceFromContext(ctx, SourceAPI))

	ctx = WithSource(ctx, SourceExpirySweep)
	require.Equal(t, SourceExpirySweep, SourceFromContext(ctx, SourceAPI))
}
