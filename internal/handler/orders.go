package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patitas/storefront/internal/domain/order"
	"github.com/patitas/storefront/internal/idempotency"
)

// Idempotency headers.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// Line item kinds.
const (
	itemProduct = "product"
	itemService = "service"
)

type customerJSON struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (c customerJSON) toDomain() order.Customer {
	return order.Customer{Name: c.Name, Email: c.Email, Phone: c.Phone}
}

type lineItemJSON struct {
	// Type is "product" (default) or "service".
	Type        string          `json:"type"`
	ProductID   int64           `json:"productId"`
	ServiceName string          `json:"serviceName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type placeOrderJSON struct {
	Customer      customerJSON   `json:"customer"`
	PaymentMethod string         `json:"paymentMethod"`
	Notes         string         `json:"notes"`
	Items         []lineItemJSON `json:"items"`
}

func (p placeOrderJSON) toRequest() (order.PlaceOrderRequest, error) {
	items := make([]order.LineItem, len(p.Items))
	for i, it := range p.Items {
		var isService bool
		switch it.Type {
		case "", itemProduct:
		case itemService:
			isService = true
		default:
			return order.PlaceOrderRequest{}, &order.ValidationError{
				Field:  fmt.Sprintf("items[%d].type", i),
				Reason: `must be "product" or "service"`,
			}
		}
		items[i] = order.LineItem{
			ProductID:   it.ProductID,
			ServiceName: it.ServiceName,
			IsService:   isService,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}
	return order.PlaceOrderRequest{
		Customer:      p.Customer.toDomain(),
		PaymentMethod: p.PaymentMethod,
		Items:         items,
		Notes:         p.Notes,
	}, nil
}

type confirmationJSON struct {
	OrderIDs []int64   `json:"orderIds"`
	Total    float64   `json:"total"`
	PlacedAt time.Time `json:"placedAt"`
}

type orderJSON struct {
	ID            int64        `json:"id"`
	Type          string       `json:"type"`
	ProductID     *int64       `json:"productId,omitempty"`
	ServiceName   string       `json:"serviceName,omitempty"`
	Name          string       `json:"name"`
	Image         string       `json:"image,omitempty"`
	Quantity      int          `json:"quantity"`
	UnitPrice     float64      `json:"unitPrice"`
	LineTotal     float64      `json:"lineTotal"`
	OrderedAt     time.Time    `json:"orderedAt"`
	Customer      customerJSON `json:"customer"`
	PaymentMethod string       `json:"paymentMethod"`
	Notes         string       `json:"notes,omitempty"`
	Status        order.Status `json:"status"`
}

func toOrderJSON(o *order.Order) orderJSON {
	out := orderJSON{
		ID:          o.ID,
		Type:        itemProduct,
		ProductID:   o.ProductID,
		ServiceName: o.ServiceName,
		Name:        o.DisplayName(),
		Image:       o.ProductImage,
		Quantity:    o.Quantity,
		UnitPrice:   o.UnitPrice.InexactFloat64(),
		LineTotal:   o.LineTotal().InexactFloat64(),
		OrderedAt:   o.OrderedAt,
		Customer: customerJSON{
			Name:  o.Customer.Name,
			Email: o.Customer.Email,
			Phone: o.Customer.Phone,
		},
		PaymentMethod: o.PaymentMethod,
		Notes:         o.Notes,
		Status:        o.Status,
	}
	if o.IsService() {
		out.Type = itemService
	}
	return out
}

type orderDetailsJSON struct {
	Customer customerJSON `json:"customer"`
	Quantity int          `json:"quantity"`
	Notes    string       `json:"notes"`
}

type statusJSON struct {
	Status string `json:"status"`
}

// placeOrder handles POST /api/orders. With an Idempotency-Key header a
// retried submission replays the first response instead of ordering again.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		writeError(ctx, w, &order.ValidationError{Field: HeaderIdempotencyKey, Reason: "too long"})
		return
	}
	fingerprint := idempotency.Fingerprint(body)
	reserved := false
	if key != "" && h.idem != nil {
		prev, err := h.idem.Reserve(ctx, key, fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrInFlight), errors.Is(err, idempotency.ErrKeyReuse):
			writeError(ctx, w, err)
			return
		case err != nil:
			// Store down: place the order without replay protection.
			zctx.From(ctx).Warn("Idempotency store unavailable", zap.Error(err))
		case prev != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(prev.Status)
			_, _ = w.Write(prev.Body)
			return
		default:
			reserved = true
		}
	}

	status, resp := h.submitOrder(r, body)
	if reserved {
		h.finishIdempotent(r, key, fingerprint, status, resp)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

// submitOrder runs the placement and returns the encoded response.
func (h *Handler) submitOrder(r *http.Request, body []byte) (int, []byte) {
	ctx := r.Context()

	var in placeOrderJSON
	err := decode(body, &in)
	var conf *order.Confirmation
	if err == nil {
		var req order.PlaceOrderRequest
		if req, err = in.toRequest(); err == nil {
			conf, err = h.orders.PlaceOrder(ctx, req)
		}
	}

	var (
		code int
		v    any
	)
	if err != nil {
		eb := errorResponse(err)
		if eb.Code == http.StatusInternalServerError {
			zctx.From(ctx).Error("Place order failed", zap.Error(err))
		}
		code, v = eb.Code, eb
	} else {
		code, v = http.StatusCreated, confirmationJSON{
			OrderIDs: conf.OrderIDs,
			Total:    conf.Total.InexactFloat64(),
			PlacedAt: conf.PlacedAt,
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"code":500,"message":"internal error"}`)
	}
	return code, append(b, '\n')
}

// finishIdempotent stores successful results for replay and frees the key
// otherwise, so a client may retry after a stock or validation failure.
func (h *Handler) finishIdempotent(r *http.Request, key, fingerprint string, status int, body []byte) {
	ctx := r.Context()
	lg := zctx.From(ctx)
	if status == http.StatusCreated {
		if err := h.idem.Save(ctx, key, fingerprint, idempotency.Response{Status: status, Body: body}); err != nil {
			lg.Warn("Save idempotent response", zap.Error(err))
		}
		return
	}
	if err := h.idem.Release(ctx, key); err != nil {
		lg.Warn("Release idempotency key", zap.Error(err))
	}
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	var f order.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := order.ParseStatus(v)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		f.Status = &s
	}
	orders, err := h.orders.List(r.Context(), f)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out := make([]orderJSON, len(orders))
	for i := range orders {
		out[i] = toOrderJSON(&orders[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	var in orderDetailsJSON
	if err := readJSON(w, r, &in); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	o, err := h.orders.UpdateDetails(r.Context(), id, order.Details{
		Customer: in.Customer.toDomain(),
		Quantity: in.Quantity,
		Notes:    in.Notes,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *Handler) setOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	var in statusJSON
	if err := readJSON(w, r, &in); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	o, err := h.orders.SetStatus(r.Context(), id, in.Status)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	auditOrder(r, "Order status changed", id, zap.String("status", string(o.Status)))
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := h.orders.Delete(r.Context(), id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	auditOrder(r, "Order deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// auditOrder records which admin key changed an order.
func auditOrder(r *http.Request, msg string, id int64, fields ...zap.Field) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		return
	}
	zctx.From(r.Context()).Info(msg, append([]zap.Field{
		zap.Int64("order_id", id),
		zap.String("api_key_name", key.Name),
	}, fields...)...)
}
