package order

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/notify"
)

// MaxQuantity is the largest quantity a row or a product's combined cart
// lines may carry; quantities are stored as INTEGER.
const MaxQuantity = math.MaxInt32

// Customer holds the contact data captured with every order row.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Order is one persisted order row. Each cart line becomes its own row;
// rows placed together share customer, payment method, notes and timestamp.
type Order struct {
	ID int64
	// ProductID is set for catalog lines, ServiceName for service lines.
	ProductID     *int64
	ServiceName   string
	Quantity      int
	UnitPrice     decimal.Decimal
	OrderedAt     time.Time
	Customer      Customer
	PaymentMethod string
	Notes         string
	Status        Status

	// Read-only projection of the referenced product.
	ProductName  string
	ProductImage string
}

// IsService reports whether the row is a service rather than a product.
func (o *Order) IsService() bool {
	return o.ProductID == nil
}

// LineTotal returns quantity times unit price.
func (o *Order) LineTotal() decimal.Decimal {
	return o.UnitPrice.Mul(decimal.NewFromInt(int64(o.Quantity)))
}

// DisplayName returns the product name or the service name.
func (o *Order) DisplayName() string {
	if o.IsService() {
		return o.ServiceName
	}
	return o.ProductName
}

// LineItem is one cart entry submitted for placement.
type LineItem struct {
	ProductID   int64
	ServiceName string
	IsService   bool
	Quantity    int
	UnitPrice   decimal.Decimal
}

// Filter narrows an order listing.
type Filter struct {
	Status *Status
}

// Details are the admin-editable fields of an order row.
type Details struct {
	Customer Customer
	Quantity int
	Notes    string
}

// Tx is the storage available inside one order transaction.
type Tx interface {
	// LockProduct returns the product's stock and holds a row lock until the
	// transaction ends. Returns product.ErrNotFound when absent.
	LockProduct(ctx context.Context, id int64) (product.Stock, error)
	// DecrementStock subtracts qty only when enough stock remains. It returns
	// false when the conditional update matched no row.
	DecrementStock(ctx context.Context, id int64, qty int) (bool, error)
	// InsertLine persists o and sets its ID.
	InsertLine(ctx context.Context, o *Order) error
	// LockOrder returns the order and holds a row lock. Returns ErrNotFound.
	LockOrder(ctx context.Context, id int64) (*Order, error)
	UpdateStatus(ctx context.Context, id int64, s Status) error
	// Enqueue records an outbox message in the same transaction.
	Enqueue(ctx context.Context, m notify.Message) error
}

// Store defines order persistence.
type Store interface {
	// WithinTx runs fn in one transaction, committing when fn returns nil
	// and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id int64) (*Order, error)
	List(ctx context.Context, f Filter) ([]Order, error)
	UpdateDetails(ctx context.Context, id int64, d Details) error
	Delete(ctx context.Context, id int64) error
}
