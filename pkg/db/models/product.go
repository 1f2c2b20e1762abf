package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Product is the stock counter bookings reserve against.
type Product struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	UniqueID  uuid.UUID `gorm:"column:unique_id;type:uuid;not null;uniqueIndex:idx_products_unique_id"`
	Name      string    `gorm:"column:name;not null"`
	Quantity  int       `gorm:"column:quantity;not null;default:0;check:chk_products_quantity_non_negative,quantity >= 0"`
	Bookings  []Booking `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate assigns identifiers in Go so every driver behaves the same.
func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.UniqueID == uuid.Nil {
		p.UniqueID = uuid.New()
	}
	return nil
}
