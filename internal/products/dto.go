package product

import (
	"time"

	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	"github.com/angelmondragon/bookings-backend/pkg/pagination"
	"github.com/google/uuid"
)

// ProductDTO represents the product payload returned to clients.
type ProductDTO struct {
	ID        uuid.UUID `json:"id"`
	UniqueID  uuid.UUID `json:"unique_id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProductList is one page of products.
type ProductList = pagination.Page[ProductDTO]

// CreateProductInput holds the validated payload to create a product.
type CreateProductInput struct {
	Name     string
	Quantity int
}

// UpdateProductInput holds optional mutation values. Quantity replaces the
// stored stock level.
type UpdateProductInput struct {
	Name     *string
	Quantity *int
}

func mapProductDTO(p *models.Product) *ProductDTO {
	if p == nil {
		return nil
	}
	return &ProductDTO{
		ID:        p.ID,
		UniqueID:  p.UniqueID,
		Name:      p.Name,
		Quantity:  p.Quantity,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func productCursor(p ProductDTO) pagination.Cursor {
	return pagination.Cursor{At: p.CreatedAt, ID: p.ID}
}
