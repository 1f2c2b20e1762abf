package product

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/bookings-backend/pkg/db"
	"github.com/angelmondragon/bookings-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/bookings-backend/pkg/errors"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	"github.com/angelmondragon/bookings-backend/pkg/pagination"
	"github.com/google/uuid"
)

// Service exposes product management operations.
type Service interface {
	CreateProduct(ctx context.Context, input CreateProductInput) (*ProductDTO, error)
	GetProduct(ctx context.Context, productID uuid.UUID) (*ProductDTO, error)
	ListProducts(ctx context.Context, params pagination.Params) (*ProductList, error)
	UpdateProduct(ctx context.Context, productID uuid.UUID, input UpdateProductInput) (*ProductDTO, error)
	DeleteProduct(ctx context.Context, productID uuid.UUID) error
}

const (
	maxNameLength           = 255
	quantityCheckConstraint = "chk_products_quantity_non_negative"
)

type service struct {
	repo Repository
	logg *logger.Logger
}

// NewService constructs a product service instance.
func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("product repository required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: repo, logg: logg}, nil
}

func (s *service) CreateProduct(ctx context.Context, input CreateProductInput) (*ProductDTO, error) {
	name, err := normalizeName(input.Name)
	if err != nil {
		return nil, err
	}
	if input.Quantity < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be zero or greater")
	}

	product, err := s.repo.Create(ctx, &models.Product{Name: name, Quantity: input.Quantity})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create product")
	}

	ctx = s.logg.WithProductID(ctx, product.ID)
	s.logg.Info(s.logg.WithField(ctx, "quantity", product.Quantity), "product created")
	return mapProductDTO(product), nil
}

func (s *service) GetProduct(ctx context.Context, productID uuid.UUID) (*ProductDTO, error) {
	product, err := s.repo.FindByID(ctx, productID)
	if err != nil {
		return nil, mapLookupError(err, "load product")
	}
	return mapProductDTO(product), nil
}

func (s *service) ListProducts(ctx context.Context, params pagination.Params) (*ProductList, error) {
	rows, err := s.repo.List(ctx, params)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list products")
	}

	items := make([]ProductDTO, 0, len(rows))
	for i := range rows {
		items = append(items, *mapProductDTO(&rows[i]))
	}
	page := pagination.Trim(items, params.Limit, productCursor)
	return &page, nil
}

func (s *service) UpdateProduct(ctx context.Context, productID uuid.UUID, input UpdateProductInput) (*ProductDTO, error) {
	updates := map[string]any{}
	if input.Name != nil {
		name, err := normalizeName(*input.Name)
		if err != nil {
			return nil, err
		}
		updates["name"] = name
	}
	if input.Quantity != nil {
		if *input.Quantity < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be zero or greater")
		}
		updates["quantity"] = *input.Quantity
	}

	product, err := s.repo.Update(ctx, productID, updates)
	if err != nil {
		return nil, mapLookupError(err, "update product")
	}

	ctx = s.logg.WithProductID(ctx, product.ID)
	s.logg.Info(s.logg.WithField(ctx, "quantity", product.Quantity), "product updated")
	return mapProductDTO(product), nil
}

// DeleteProduct removes the product and, through the cascade, its bookings.
func (s *service) DeleteProduct(ctx context.Context, productID uuid.UUID) error {
	if err := s.repo.Delete(ctx, productID); err != nil {
		return mapLookupError(err, "delete product")
	}
	s.logg.Info(s.logg.WithProductID(ctx, productID), "product deleted")
	return nil
}

func normalizeName(value string) (string, error) {
	name := strings.TrimSpace(value)
	if name == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "name is required")
	}
	if len(name) > maxNameLength {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("name must be at most %d characters", maxNameLength))
	}
	return name, nil
}

func mapLookupError(err error, action string) error {
	if isNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, msgProductNotFound)
	}
	if db.IsCheckViolation(err, quantityCheckConstraint) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "quantity must be zero or greater")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action)
}
