package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by catalog repositories.
var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrInUse is returned when deleting a product that orders still reference.
	ErrInUse = errors.New("product is referenced by orders")
)

// Product represents a catalog item available for purchase.
type Product struct {
	ID            int64
	Name          string
	Description   string
	CurrentPrice  decimal.Decimal
	OldPrice      decimal.NullDecimal
	ImageURL      string
	Rating        decimal.Decimal
	StockQuantity int
	Category      string
}

// Stock is the locked view of a product used while placing orders.
type Stock struct {
	ID       int64
	Name     string
	Quantity int
}

// Filter narrows a catalog listing. Zero values mean no filtering.
type Filter struct {
	// Category matches the product category case-insensitively.
	Category string
	// Query is a case-insensitive substring over name and description.
	Query string
}

// ValidationError reports an invalid product field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Repository defines catalog persistence.
type Repository interface {
	List(ctx context.Context, f Filter) ([]Product, error)
	GetByID(ctx context.Context, id int64) (*Product, error)
	Stock(ctx context.Context, id int64) (Stock, error)
	Create(ctx context.Context, p *Product) error
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id int64) error
}
