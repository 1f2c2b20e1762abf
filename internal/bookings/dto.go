package bookings

import (
	"time"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/enums"
	"github.com/angelmondragon/bookings-backend/pkg/pagination"
	"github.com/google/uuid"
)

// BookingDTO is the booking payload returned to clients.
type BookingDTO struct {
	ID           uuid.UUID           `json:"id"`
	ProductID    uuid.UUID           `json:"product_id"`
	Quantity     int                 `json:"quantity"`
	Status       enums.BookingStatus `json:"status"`
	ExpiryTaskID *string             `json:"expiry_task_id,omitempty"`
	ExpiresAt    time.Time           `json:"expires_at"`
	ExpiredAt    *time.Time          `json:"expired_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// CreateBookingInput holds the validated payload to create a booking.
type CreateBookingInput struct {
	ProductID uuid.UUID
	Quantity  int
}

func mapBookingDTO(b *models.Booking) *BookingDTO {
	if b == nil {
		return nil
	}
	return &BookingDTO{
		ID:           b.ID,
		ProductID:    b.ProductID,
		Quantity:     b.Quantity,
		Status:       b.Status,
		ExpiryTaskID: b.ExpiryTaskID,
		ExpiresAt:    b.ExpiresAt,
		ExpiredAt:    b.ExpiredAt,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

// ExpiryCursor positions List pages ordered by expires_at.
func ExpiryCursor(b models.Booking) pagination.Cursor {
	return pagination.Cursor{At: b.ExpiresAt, ID: b.ID}
}
