package bookings

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository is the persistence boundary for bookings. It carries no
// lifecycle rules beyond the pending compare-and-set.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, booking *models.Booking) (*models.Booking, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	// TransitionFromPending moves a pending booking to status and clears its
	// expiry task. It reports false when the booking was no longer pending.
	TransitionFromPending(ctx context.Context, id uuid.UUID, status enums.BookingStatus, at time.Time) (bool, error)
	// AttachExpiryTask stores handle on a booking that is still pending.
	AttachExpiryTask(ctx context.Context, id uuid.UUID, handle string) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]models.Booking, error)
}

// ListFilter narrows List. Zero values are ignored.
type ListFilter struct {
	Status        enums.BookingStatus
	ProductID     uuid.UUID
	ExpiresBefore time.Time
	Pagination    pagination.Params
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a booking repository tied to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, booking *models.Booking) (*models.Booking, error) {
	if err := r.db.WithContext(ctx).Create(booking).Error; err != nil {
		return nil, err
	}
	return booking, nil
}

// FindByID returns gorm.ErrRecordNotFound when the booking does not exist.
func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	if err := r.db.WithContext(ctx).First(&booking, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *repository) TransitionFromPending(ctx context.Context, id uuid.UUID, status enums.BookingStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":         status,
		"expiry_task_id": nil,
		"updated_at":     at,
	}
	if status == enums.BookingStatusExpired {
		updates["expired_at"] = at
	}
	res := r.db.WithContext(ctx).
		Model(&models.Booking{}).
		Where("id = ? AND status = ?", id, enums.BookingStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) AttachExpiryTask(ctx context.Context, id uuid.UUID, handle string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Booking{}).
		Where("id = ? AND status = ?", id, enums.BookingStatusPending).
		Updates(map[string]any{
			"expiry_task_id": handle,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// List pages bookings oldest expiry first, fetching one row past the limit.
func (r *repository) List(ctx context.Context, filter ListFilter) ([]models.Booking, error) {
	query := r.db.WithContext(ctx).Model(&models.Booking{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ProductID != uuid.Nil {
		query = query.Where("product_id = ?", filter.ProductID)
	}
	if !filter.ExpiresBefore.IsZero() {
		query = query.Where("expires_at < ?", filter.ExpiresBefore)
	}

	query, err := pagination.Seek(query, "expires_at", filter.Pagination, pagination.Ascending)
	if err != nil {
		return nil, err
	}

	var rows []models.Booking
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
