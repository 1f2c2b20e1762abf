package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/bookings-backend/internal/bookings"
	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/migrate"
	"github.com/angelmondragon/bookings-backend/pkg/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:cron_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migrate.AutoMigrateModels(conn))
	return conn
}

// recordingExpirer marks bookings expired the way the booking service would.
type recordingExpirer struct {
	mu      sync.Mutex
	conn    *gorm.DB
	seen    []uuid.UUID
	sources []outbox.Source
	fail    map[uuid.UUID]error
}

func (r *recordingExpirer) HandleExpiry(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, id)
	r.sources = append(r.sources, outbox.SourceFromContext(ctx, outbox.SourceAPI))
	if err := r.fail[id]; err != nil {
		return err
	}
	return r.conn.Model(&models.Booking{}).
		Where("id = ?", id).
		Update("status", enums.BookingStatusExpired).Error
}

func seedPending(t *testing.T, conn *gorm.DB, productID uuid.UUID, expiresAt time.Time) uuid.UUID {
	t.Helper()
	b := &models.Booking{ProductID: productID, Quantity: 1, Status: enums.BookingStatusPending, ExpiresAt: expiresAt}
	require.NoError(t, conn.Create(b).Error)
	return b.ID
}

func newSweepJob(t *testing.T, conn *gorm.DB, expirer expiryHandler, batch int, now time.Time) *bookingExpirySweepJob {
	t.Helper()
	job, err := NewBookingExpirySweepJob(BookingExpirySweepJobParams{
		Logger:   testLogger(),
		Bookings: bookings.NewRepository(conn),
		Expirer:  expirer,
		Grace:    time.Minute,
		Batch:    batch,
	})
	require.NoError(t, err)
	sweep := job.(*bookingExpirySweepJob)
	sweep.now = func() time.Time { return now }
	return sweep
}

func TestBookingExpirySweepExpiresOnlyOverdueBookings(t *testing.T) {
	conn := openTestDB(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	product := &models.Product{Name: "Seat", Quantity: 10}
	require.NoError(t, conn.Create(product).Error)

	var overdue []uuid.UUID
	for i := 0; i < 5; i++ {
		overdue = append(overdue, seedPending(t, conn, product.ID, now.Add(-time.Duration(2+i)*time.Minute)))
	}
	withinGrace := seedPending(t, conn, product.ID, now.Add(-30*time.Second))
	future := seedPending(t, conn, product.ID, now.Add(time.Minute))
	confirmed := &models.Booking{ProductID: product.ID, Quantity: 1, Status: enums.BookingStatusConfirmed, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, conn.Create(confirmed).Error)

	expirer := &recordingExpirer{conn: conn}
	job := newSweepJob(t, conn, expirer, 2, now)

	require.NoError(t, job.Run(context.Background()))
	assert.ElementsMatch(t, overdue, expirer.seen)
	assert.NotContains(t, expirer.seen, withinGrace)
	assert.NotContains(t, expirer.seen, future)
	assert.NotContains(t, expirer.seen, confirmed.ID)
	for _, source := range expirer.sources {
		assert.Equal(t, outbox.SourceExpirySweep, source)
	}
}

func TestBookingExpirySweepContinuesPastFailures(t *testing.T) {
	conn := openTestDB(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	product := &models.Product{Name: "Seat", Quantity: 10}
	require.NoError(t, conn.Create(product).Error)

	bad := seedPending(t, conn, product.ID, now.Add(-10*time.Minute))
	good := seedPending(t, conn, product.ID, now.Add(-5*time.Minute))

	expirer := &recordingExpirer{conn: conn, fail: map[uuid.UUID]error{bad: errors.New("db unavailable")}}
	job := newSweepJob(t, conn, expirer, 10, now)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad.String())
	assert.ElementsMatch(t, []uuid.UUID{bad, good}, expirer.seen)
}

func TestNewBookingExpirySweepJobValidates(t *testing.T) {
	conn := openTestDB(t)
	_, err := NewBookingExpirySweepJob(BookingExpirySweepJobParams{Bookings: bookings.NewRepository(conn), Expirer: &recordingExpirer{}})
	assert.Error(t, err)
	_, err = NewBookingExpirySweepJob(BookingExpirySweepJobParams{Logger: testLogger(), Expirer: &recordingExpirer{}})
	assert.Error(t, err)
	_, err = NewBookingExpirySweepJob(BookingExpirySweepJobParams{Logger: testLogger(), Bookings: bookings.NewRepository(conn)})
	assert.Error(t, err)

	job, err := NewBookingExpirySweepJob(BookingExpirySweepJobParams{
		Logger:   testLogger(),
		Bookings: bookings.NewRepository(conn),
		Expirer:  &recordingExpirer{},
	})
	require.NoError(t, err)
	assert.Equal(t, "booking-expiry-sweep", job.Name())
	assert.Equal(t, defaultSweepGrace, job.(*bookingExpirySweepJob).grace)
}
