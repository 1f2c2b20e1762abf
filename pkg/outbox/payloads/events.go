package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookings-backend/pkg/enums"
)

// BookingEvent is the payload shared by every booking lifecycle event.
// PreviousStatus is empty for booking_created.
type BookingEvent struct {
	BookingID      uuid.UUID           `json:"booking_id"`
	ProductID      uuid.UUID           `json:"product_id"`
	Quantity       int                 `json:"quantity"`
	Status         enums.BookingStatus `json:"status"`
	PreviousStatus enums.BookingStatus `json:"previous_status,omitempty"`
	ExpiresAt      time.Time           `json:"expires_at"`
	ExpiredAt      *time.Time          `json:"expired_at,omitempty"`
	// StockReleased is true when the transition returned quantity to the product.
	StockReleased bool `json:"stock_released"`
}
