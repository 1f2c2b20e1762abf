package product

import (
	"context"
	"time"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/bookings-backend/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InventoryStore adjusts product stock with single conditional statements so
// concurrent bookings never drive quantity below zero.
type InventoryStore interface {
	// Reserve decrements stock by qty. It fails with INSUFFICIENT_STOCK when
	// fewer than qty units remain and NOT_FOUND when the product is missing.
	Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	// Release returns qty units to stock.
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

const (
	msgInsufficientStock = "Not enough product in stock"
	msgProductNotFound   = "Product not found"
)

type inventoryStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewInventoryStore returns the SQL-backed inventory store. A nil tx passed to
// Reserve or Release runs the statement against db directly.
func NewInventoryStore(db *gorm.DB) InventoryStore {
	return &inventoryStore{db: db, now: time.Now}
}

func (s *inventoryStore) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *inventoryStore) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	conn := s.conn(ctx, tx)

	res := conn.Exec(`
		UPDATE products
		SET quantity = quantity - ?,
			updated_at = ?
		WHERE id = ? AND quantity >= ?
	`, qty, s.now().UTC(), productID, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve inventory")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := conn.Model(&models.Product{}).Where("id = ?", productID).Count(&count).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve inventory")
	}
	if count == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, msgProductNotFound)
	}
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, msgInsufficientStock).
		WithDetails(map[string]any{"product_id": productID.String(), "requested": qty})
}

func (s *inventoryStore) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}

	res := s.conn(ctx, tx).Exec(`
		UPDATE products
		SET quantity = quantity + ?,
			updated_at = ?
		WHERE id = ?
	`, qty, s.now().UTC(), productID)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release inventory")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, msgProductNotFound)
	}
	return nil
}
