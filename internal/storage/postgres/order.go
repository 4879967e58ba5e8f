package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patitas/storefront/internal/domain/order"
	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/notify"
)

const (
	orderColumns = `o.id, o.product_id, COALESCE(o.service_name, ''), o.quantity, o.unit_price,
		o.ordered_at, o.customer_name, o.customer_email, o.customer_phone,
		o.payment_method, o.notes, o.status,
		COALESCE(p.name, ''), COALESCE(p.image_url, '')`

	orderFrom = ` FROM orders o LEFT JOIN products p ON p.id = o.product_id`

	getOrderSQL = `SELECT ` + orderColumns + orderFrom + ` WHERE o.id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE OF o`

	listOrdersSQL = `SELECT ` + orderColumns + orderFrom + `
		WHERE ($1::text IS NULL OR o.status = $1)
		ORDER BY o.ordered_at DESC, o.id DESC`

	lockProductSQL = `SELECT id, name, stock_quantity FROM products WHERE id = $1 FOR UPDATE`

	decrementStockSQL = `UPDATE products SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2`

	insertOrderSQL = `INSERT INTO orders
		(product_id, service_name, quantity, unit_price, ordered_at,
		 customer_name, customer_email, customer_phone, payment_method, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	updateOrderStatusSQL = `UPDATE orders SET status = $2 WHERE id = $1`

	updateOrderDetailsSQL = `UPDATE orders SET
		customer_name = $2, customer_email = $3, customer_phone = $4, quantity = $5, notes = $6
		WHERE id = $1`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1`

	enqueueSQL = `INSERT INTO notification_outbox (id, kind, recipient, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
)

var _ order.Store = (*OrderRepository)(nil)

// OrderRepository implements order.Store backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// WithinTx runs fn inside a read-committed transaction.
func (r *OrderRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &orderTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get returns a single order row with its product projection.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderSQL, id)
}

// List returns orders newest first, optionally filtered by status.
func (r *OrderRepository) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	rows, err := r.pool.Query(ctx, listOrdersSQL, status)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// UpdateDetails overwrites the admin-editable fields of an order.
func (r *OrderRepository) UpdateDetails(ctx context.Context, id int64, d order.Details) error {
	tag, err := r.pool.Exec(ctx, updateOrderDetailsSQL,
		id, d.Customer.Name, d.Customer.Email, d.Customer.Phone, d.Quantity, d.Notes,
	)
	if err != nil {
		return fmt.Errorf("updating order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// Delete removes an order row. Stock is not restored.
func (r *OrderRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deleteOrderSQL, id)
	if err != nil {
		return fmt.Errorf("deleting order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getOrder(ctx context.Context, q querier, sql string, id int64) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	return &o, nil
}

type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) LockProduct(ctx context.Context, id int64) (product.Stock, error) {
	var s product.Stock
	err := t.tx.QueryRow(ctx, lockProductSQL, id).Scan(&s.ID, &s.Name, &s.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.Stock{}, product.ErrNotFound
		}
		return product.Stock{}, fmt.Errorf("locking product %d: %w", id, err)
	}
	return s, nil
}

func (t *orderTx) DecrementStock(ctx context.Context, id int64, qty int) (bool, error) {
	tag, err := t.tx.Exec(ctx, decrementStockSQL, id, qty)
	if err != nil {
		return false, fmt.Errorf("decrementing stock of product %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *orderTx) InsertLine(ctx context.Context, o *order.Order) error {
	var service *string
	if o.IsService() {
		service = &o.ServiceName
	}
	err := t.tx.QueryRow(ctx, insertOrderSQL,
		o.ProductID, service, o.Quantity, o.UnitPrice, o.OrderedAt,
		o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		o.PaymentMethod, o.Notes, string(o.Status),
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("inserting order line: %w", err)
	}
	return nil
}

func (t *orderTx) LockOrder(ctx context.Context, id int64) (*order.Order, error) {
	return getOrder(ctx, t.tx, lockOrderSQL, id)
}

func (t *orderTx) UpdateStatus(ctx context.Context, id int64, s order.Status) error {
	tag, err := t.tx.Exec(ctx, updateOrderStatusSQL, id, string(s))
	if err != nil {
		return fmt.Errorf("updating status of order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (t *orderTx) Enqueue(ctx context.Context, m notify.Message) error {
	_, err := t.tx.Exec(ctx, enqueueSQL, m.ID, string(m.Kind), m.Recipient, []byte(m.Payload), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueueing %s notification: %w", m.Kind, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.ProductID, &o.ServiceName, &o.Quantity, &o.UnitPrice,
		&o.OrderedAt, &o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.PaymentMethod, &o.Notes, &status,
		&o.ProductName, &o.ProductImage,
	)
	o.Status = order.Status(status)
	return o, err
}
