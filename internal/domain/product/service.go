package product

import (
	"context"
	"math"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
)

var maxRating = decimal.NewFromInt(5)

// Descriptions are shown as HTML in the storefront.
var descriptionPolicy = newDescriptionPolicy()

func newDescriptionPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(true)
	return policy
}

// Input carries the admin-editable fields of a product.
type Input struct {
	Name          string
	Description   string
	CurrentPrice  decimal.Decimal
	OldPrice      decimal.NullDecimal
	ImageURL      string
	Rating        decimal.Decimal
	StockQuantity int
	Category      string
}

// Validate checks the input and returns a *ValidationError for the first
// offending field.
func (in Input) Validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return &ValidationError{Field: "name", Reason: "required"}
	case strings.TrimSpace(in.Category) == "":
		return &ValidationError{Field: "category", Reason: "required"}
	case in.CurrentPrice.IsNegative():
		return &ValidationError{Field: "currentPrice", Reason: "must not be negative"}
	case in.OldPrice.Valid && in.OldPrice.Decimal.IsNegative():
		return &ValidationError{Field: "oldPrice", Reason: "must not be negative"}
	case in.Rating.IsNegative() || in.Rating.GreaterThan(maxRating):
		return &ValidationError{Field: "rating", Reason: "must be between 0 and 5"}
	case in.StockQuantity < 0:
		return &ValidationError{Field: "stock", Reason: "must not be negative"}
	case in.StockQuantity > math.MaxInt32:
		return &ValidationError{Field: "stock", Reason: "must be at most 2147483647"}
	}
	return nil
}

func (in Input) apply(p *Product) {
	p.Name = strings.TrimSpace(in.Name)
	p.Description = strings.TrimSpace(descriptionPolicy.Sanitize(in.Description))
	p.CurrentPrice = in.CurrentPrice.Round(2)
	p.OldPrice = in.OldPrice
	if p.OldPrice.Valid {
		p.OldPrice.Decimal = p.OldPrice.Decimal.Round(2)
	}
	p.ImageURL = in.ImageURL
	p.Rating = in.Rating.Round(1)
	p.StockQuantity = in.StockQuantity
	p.Category = strings.ToLower(strings.TrimSpace(in.Category))
}

// Build returns the stored form of the input under id.
func (in Input) Build(id int64) Product {
	p := Product{ID: id}
	in.apply(&p)
	return p
}

// Service implements catalog queries and administration.
type Service struct {
	repo Repository
}

// NewService returns a catalog Service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns products matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Product, error) {
	f.Category = strings.TrimSpace(f.Category)
	f.Query = strings.TrimSpace(f.Query)
	return s.repo.List(ctx, f)
}

// Get returns a single product or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*Product, error) {
	return s.repo.GetByID(ctx, id)
}

// Create validates and stores a new product.
func (s *Service) Create(ctx context.Context, in Input) (*Product, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	p := &Product{}
	in.apply(p)
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces the editable fields of an existing product.
func (s *Service) Update(ctx context.Context, id int64, in Input) (*Product, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	p := &Product{ID: id}
	in.apply(p)
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a product. It fails with ErrInUse while orders reference it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}
