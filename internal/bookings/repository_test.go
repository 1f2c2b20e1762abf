package bookings

import (
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/pagination"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedBooking(t *testing.T, conn *gorm.DB, productID uuid.UUID, status enums.BookingStatus, expiresAt time.Time) *models.Booking {
	t.Helper()
	b := &models.Booking{ProductID: productID, Quantity: 1, Status: status, ExpiresAt: expiresAt}
	require.NoError(t, conn.Create(b).Error)
	return b
}

func TestRepositoryFindByIDNotFound(t *testing.T) {
	repo := NewRepository(openTestDB(t))

	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.True(t, isNotFound(err))
}

func TestRepositoryTransitionFromPendingIsCompareAndSet(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	p := &models.Product{Name: "Seat", Quantity: 1}
	require.NoError(t, conn.Create(p).Error)

	b := seedBooking(t, conn, p.ID, enums.BookingStatusPending, time.Now().Add(time.Minute))
	attached, err := repo.AttachExpiryTask(ctx, b.ID, "task-1")
	require.NoError(t, err)
	require.True(t, attached)

	at := time.Now().UTC()
	ok, err := repo.TransitionFromPending(ctx, b.ID, enums.BookingStatusExpired, at)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.BookingStatusExpired, stored.Status)
	assert.Nil(t, stored.ExpiryTaskID)
	require.NotNil(t, stored.ExpiredAt)

	ok, err = repo.TransitionFromPending(ctx, b.ID, enums.BookingStatusConfirmed, at)
	require.NoError(t, err)
	assert.False(t, ok)

	attached, err = repo.AttachExpiryTask(ctx, b.ID, "task-2")
	require.NoError(t, err)
	assert.False(t, attached)
}

func TestRepositoryTransitionLeavesExpiredAtForOtherStatuses(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	p := &models.Product{Name: "Seat", Quantity: 1}
	require.NoError(t, conn.Create(p).Error)

	b := seedBooking(t, conn, p.ID, enums.BookingStatusPending, time.Now().Add(time.Minute))
	ok, err := repo.TransitionFromPending(ctx, b.ID, enums.BookingStatusCanceled, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := repo.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ExpiredAt)
}

func TestRepositoryListFiltersAndPages(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	p := &models.Product{Name: "Seat", Quantity: 10}
	require.NoError(t, conn.Create(p).Error)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	overdue := []*models.Booking{
		seedBooking(t, conn, p.ID, enums.BookingStatusPending, base.Add(-3*time.Minute)),
		seedBooking(t, conn, p.ID, enums.BookingStatusPending, base.Add(-2*time.Minute)),
		seedBooking(t, conn, p.ID, enums.BookingStatusPending, base.Add(-time.Minute)),
	}
	seedBooking(t, conn, p.ID, enums.BookingStatusPending, base.Add(time.Minute))
	seedBooking(t, conn, p.ID, enums.BookingStatusConfirmed, base.Add(-5*time.Minute))

	filter := ListFilter{
		Status:        enums.BookingStatusPending,
		ExpiresBefore: base,
		Pagination:    pagination.Params{Limit: 2},
	}
	rows, err := repo.List(ctx, filter)
	require.NoError(t, err)
	page := pagination.Trim(rows, 2, ExpiryCursor)
	require.Len(t, page.Items, 2)
	assert.Equal(t, overdue[0].ID, page.Items[0].ID)
	assert.Equal(t, overdue[1].ID, page.Items[1].ID)
	require.NotEmpty(t, page.NextCursor)

	filter.Pagination.Cursor = page.NextCursor
	rows, err = repo.List(ctx, filter)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, overdue[2].ID, rows[0].ID)

	byProduct, err := repo.List(ctx, ListFilter{ProductID: p.ID})
	require.NoError(t, err)
	assert.Len(t, byProduct, 5)
}

func TestRepositoryWithTxRollsBack(t *testing.T) {
	conn := openTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	p := &models.Product{Name: "Seat", Quantity: 1}
	require.NoError(t, conn.Create(p).Error)

	var id uuid.UUID
	err := conn.Transaction(func(tx *gorm.DB) error {
		b, err := repo.WithTx(tx).Create(ctx, &models.Booking{ProductID: p.ID, Quantity: 1, ExpiresAt: time.Now()})
		if err != nil {
			return err
		}
		id = b.ID
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = repo.FindByID(ctx, id)
	assert.True(t, isNotFound(err))
}
