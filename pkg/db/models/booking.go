package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookings-backend/pkg/enums"
)

// Booking holds reserved stock until it is confirmed, canceled or expired.
// ExpiryTaskID is only set while Status is pending.
type Booking struct {
	ID           uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	ProductID    uuid.UUID           `gorm:"column:product_id;type:uuid;not null;index:idx_bookings_product_id"`
	Quantity     int                 `gorm:"column:quantity;not null;check:chk_bookings_quantity_positive,quantity > 0"`
	Status       enums.BookingStatus `gorm:"column:status;type:booking_status;not null;default:pending;index:idx_bookings_status_expires_at,priority:1"`
	ExpiryTaskID *string             `gorm:"column:expiry_task_id"`
	ExpiresAt    time.Time           `gorm:"column:expires_at;not null;index:idx_bookings_status_expires_at,priority:2"`
	ExpiredAt    *time.Time          `gorm:"column:expired_at"`
	CreatedAt    time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (b *Booking) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = enums.BookingStatusPending
	}
	return nil
}
