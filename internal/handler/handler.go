// Package handler exposes the storefront over JSON/HTTP with chi.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patitas/storefront/internal/domain/auth"
	"github.com/patitas/storefront/internal/domain/order"
	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/idempotency"
)

// ProductService is the catalog used by the handlers.
type ProductService interface {
	List(ctx context.Context, f product.Filter) ([]product.Product, error)
	Get(ctx context.Context, id int64) (*product.Product, error)
	Create(ctx context.Context, in product.Input) (*product.Product, error)
	Update(ctx context.Context, id int64, in product.Input) (*product.Product, error)
	Delete(ctx context.Context, id int64) error
}

// OrderService places and administers orders.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.Confirmation, error)
	SetStatus(ctx context.Context, id int64, status string) (*order.Order, error)
	Get(ctx context.Context, id int64) (*order.Order, error)
	List(ctx context.Context, f order.Filter) ([]order.Order, error)
	UpdateDetails(ctx context.Context, id int64, d order.Details) (*order.Order, error)
	Delete(ctx context.Context, id int64) error
}

// IdempotencyStore remembers order submissions by Idempotency-Key.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, fingerprint string) (*idempotency.Response, error)
	Save(ctx context.Context, key, fingerprint string, resp idempotency.Response) error
	Release(ctx context.Context, key string) error
}

var _ IdempotencyStore = (*idempotency.RedisStore)(nil)

// Config holds non-dependency settings of the Handler.
type Config struct {
	// Pepper is the HMAC key API keys are hashed with.
	Pepper []byte
	// Idempotency enables Idempotency-Key support on order placement.
	Idempotency IdempotencyStore
	// OrderMiddleware wraps only the public order placement route, for
	// example a stricter rate limit.
	OrderMiddleware []func(http.Handler) http.Handler
}

// Handler serves the /api routes.
type Handler struct {
	products ProductService
	orders   OrderService
	apikeys  auth.Repository
	pepper   []byte
	idem     IdempotencyStore
	orderMW  []func(http.Handler) http.Handler
}

// New constructs a Handler.
func New(products ProductService, orders OrderService, apikeys auth.Repository, cfg Config) *Handler {
	return &Handler{
		products: products,
		orders:   orders,
		apikeys:  apikeys,
		pepper:   cfg.Pepper,
		idem:     cfg.Idempotency,
		orderMW:  cfg.OrderMiddleware,
	}
}

// Routes returns the API router, to be mounted under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: http.StatusNotFound, Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: http.StatusMethodNotAllowed, Message: "method not allowed"})
	})

	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.listProducts)
		r.Get("/{id}", h.getProduct)

		r.Group(func(r chi.Router) {
			r.Use(h.requireScope(auth.ScopeCatalogWrite))
			r.Post("/", h.createProduct)
			r.Put("/{id}", h.updateProduct)
			r.Delete("/{id}", h.deleteProduct)
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.With(h.orderMW...).Post("/", h.placeOrder)

		r.Group(func(r chi.Router) {
			r.Use(h.requireScope(auth.ScopeOrdersAdmin))
			r.Get("/", h.listOrders)
			r.Get("/{id}", h.getOrder)
			r.Put("/{id}", h.updateOrder)
			r.Put("/{id}/status", h.setOrderStatus)
			r.Delete("/{id}", h.deleteOrder)
		})
	})

	return r
}
