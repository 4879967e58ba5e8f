package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by stores when an order row does not exist.
var ErrNotFound = errors.New("order not found")

// ValidationError reports a missing or malformed request field. Field is a
// path such as "customer.email" or "items[1].quantity".
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Entities named by NotFoundError.
const (
	EntityProduct = "product"
	EntityOrder   = "order"
)

// NotFoundError indicates a referenced product or order does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// InsufficientStockError indicates a product cannot cover the requested
// quantity. Available is the stock at the time of the check.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %d, available %d",
		e.ProductID, e.ProductName, e.Requested, e.Available)
}

// InvalidStatusError indicates a status outside the known set.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid order status %q", e.Value)
}

// TransitionError indicates a status change rejected in strict mode.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order status cannot change from %s to %s", e.From, e.To)
}

// StorageError wraps an infrastructure failure. Callers should report it as
// a generic failure without exposing the cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// isBusiness reports whether err belongs to the business error taxonomy and
// should reach the caller unchanged.
func isBusiness(err error) bool {
	var (
		vErr  *ValidationError
		nfErr *NotFoundError
		isErr *InsufficientStockError
		stErr *InvalidStatusError
		trErr *TransitionError
	)
	return errors.As(err, &vErr) ||
		errors.As(err, &nfErr) ||
		errors.As(err, &isErr) ||
		errors.As(err, &stErr) ||
		errors.As(err, &trErr)
}

func storageError(op string, err error) error {
	if err == nil || isBusiness(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
