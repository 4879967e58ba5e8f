package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patitas/storefront/internal/domain/product"
)

const (
	productColumns = `id, name, COALESCE(description, ''), current_price, old_price,
		COALESCE(image_url, ''), rating, stock_quantity, category`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products
		WHERE ($1 = '' OR lower(category) = lower($1))
		  AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR description ILIKE '%' || $2 || '%')
		ORDER BY id`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductStockSQL = `SELECT id, name, stock_quantity FROM products WHERE id = $1`

	insertProductSQL = `INSERT INTO products
		(name, description, current_price, old_price, image_url, rating, stock_quantity, category)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8)
		RETURNING id`

	updateProductSQL = `UPDATE products SET
		name = $2, description = NULLIF($3, ''), current_price = $4, old_price = $5,
		image_url = NULLIF($6, ''), rating = $7, stock_quantity = $8, category = $9
		WHERE id = $1`

	upsertProductSQL = `INSERT INTO products
		(id, name, description, current_price, old_price, image_url, rating, stock_quantity, category)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, description = EXCLUDED.description,
		current_price = EXCLUDED.current_price, old_price = EXCLUDED.old_price,
		image_url = EXCLUDED.image_url, rating = EXCLUDED.rating,
		stock_quantity = EXCLUDED.stock_quantity, category = EXCLUDED.category`

	syncProductSequenceSQL = `SELECT setval(pg_get_serial_sequence('products', 'id'),
		(SELECT COALESCE(MAX(id), 1) FROM products))`

	deleteProductSQL = `DELETE FROM products WHERE id = $1`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns catalog products matching f, ordered by ID.
func (r *ProductRepository) List(ctx context.Context, f product.Filter) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL, f.Category, escapeLike(f.Query))
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}
	return &p, nil
}

// Stock returns the unlocked stock view of a product.
func (r *ProductRepository) Stock(ctx context.Context, id int64) (product.Stock, error) {
	var s product.Stock
	err := r.pool.QueryRow(ctx, getProductStockSQL, id).Scan(&s.ID, &s.Name, &s.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.Stock{}, product.ErrNotFound
		}
		return product.Stock{}, fmt.Errorf("getting stock of product %d: %w", id, err)
	}
	return s, nil
}

// Create inserts p and sets its ID.
func (r *ProductRepository) Create(ctx context.Context, p *product.Product) error {
	err := r.pool.QueryRow(ctx, insertProductSQL,
		p.Name, p.Description, p.CurrentPrice, p.OldPrice,
		p.ImageURL, p.Rating, p.StockQuantity, p.Category,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("creating product %q: %w", p.Name, err)
	}
	return nil
}

// Update replaces every field of the product identified by p.ID.
func (r *ProductRepository) Update(ctx context.Context, p *product.Product) error {
	tag, err := r.pool.Exec(ctx, updateProductSQL,
		p.ID, p.Name, p.Description, p.CurrentPrice, p.OldPrice,
		p.ImageURL, p.Rating, p.StockQuantity, p.Category,
	)
	if err != nil {
		return fmt.Errorf("updating product %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// Delete removes a product. Products still referenced by orders are kept
// and product.ErrInUse is returned.
func (r *ProductRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deleteProductSQL, id)
	if err != nil {
		if isPgCode(err, codeForeignKeyViolation) {
			return product.ErrInUse
		}
		return fmt.Errorf("deleting product %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// Upsert writes products with their explicit IDs and advances the ID
// sequence past them. Used by the seeder.
func (r *ProductRepository) Upsert(ctx context.Context, products []product.Product) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range products {
			batch.Queue(upsertProductSQL,
				p.ID, p.Name, p.Description, p.CurrentPrice, p.OldPrice,
				p.ImageURL, p.Rating, p.StockQuantity, p.Category,
			)
		}
		batch.Queue(syncProductSequenceSQL)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upserting products: %w", err)
		}
		return nil
	})
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.CurrentPrice, &p.OldPrice,
		&p.ImageURL, &p.Rating, &p.StockQuantity, &p.Category,
	)
	return p, err
}
