package order

import (
	"context"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/notify"
)

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Customer      Customer
	PaymentMethod string
	Items         []LineItem
	Notes         string
}

// Confirmation is returned for a committed order submission.
type Confirmation struct {
	OrderIDs []int64
	Total    decimal.Decimal
	PlacedAt time.Time
}

// Waker is notified after a transaction enqueued a notification.
type Waker interface {
	Wake()
}

type nopWaker struct{}

func (nopWaker) Wake() {}

// Config holds optional Service settings.
type Config struct {
	// StrictTransitions enforces the lifecycle table in CanTransition.
	// By default any status may follow any other.
	StrictTransitions bool
	Meter             metric.Meter
	Tracer            trace.Tracer
	Now               func() time.Time
}

// Service implements order placement, the status workflow and order
// administration.
type Service struct {
	store  Store
	waker  Waker
	strict bool
	now    func() time.Time
	tracer trace.Tracer

	placed   metric.Int64Counter
	rejected metric.Int64Counter
}

// NewService creates an order Service. waker may be nil.
func NewService(store Store, waker Waker, cfg Config) (*Service, error) {
	if waker == nil {
		waker = nopWaker{}
	}
	if cfg.Meter == nil {
		cfg.Meter = noop.NewMeterProvider().Meter("")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	placed, err := cfg.Meter.Int64Counter("storefront.orders.placed",
		metric.WithDescription("Order rows committed"))
	if err != nil {
		return nil, errors.Wrap(err, "create placed counter")
	}
	rejected, err := cfg.Meter.Int64Counter("storefront.orders.rejected",
		metric.WithDescription("Order submissions rejected"))
	if err != nil {
		return nil, errors.Wrap(err, "create rejected counter")
	}

	return &Service{
		store:    store,
		waker:    waker,
		strict:   cfg.StrictTransitions,
		now:      cfg.Now,
		tracer:   cfg.Tracer,
		placed:   placed,
		rejected: rejected,
	}, nil
}

// PlaceOrder validates stock for every product line, decrements it, inserts
// one order row per line and records a confirmation notification, all in a
// single transaction. Nothing is persisted when any step fails.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Confirmation, error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder",
		trace.WithAttributes(attribute.Int("order.lines", len(req.Items))))
	defer span.End()

	req, err := req.normalize()
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	// Product quantities are summed so duplicate lines are checked together,
	// and rows are locked in ascending id order to avoid deadlocks.
	needed := make(map[int64]int)
	var ids []int64
	for i, it := range req.Items {
		if it.IsService {
			continue
		}
		if _, ok := needed[it.ProductID]; !ok {
			ids = append(ids, it.ProductID)
		}
		// Each line is at most MaxQuantity, so the sum cannot wrap before
		// the check fires.
		needed[it.ProductID] += it.Quantity
		if needed[it.ProductID] > MaxQuantity {
			return nil, s.fail(ctx, span, &ValidationError{
				Field:  fmt.Sprintf("items[%d].quantity", i),
				Reason: fmt.Sprintf("total for product %d must be at most %d", it.ProductID, MaxQuantity),
			})
		}
	}
	slices.Sort(ids)

	placedAt := s.now().UTC()
	var conf *Confirmation

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		stock := make(map[int64]product.Stock, len(ids))
		for _, id := range ids {
			st, err := tx.LockProduct(ctx, id)
			if errors.Is(err, product.ErrNotFound) {
				return &NotFoundError{Entity: EntityProduct, ID: id}
			}
			if err != nil {
				return errors.Wrapf(err, "lock product %d", id)
			}
			if st.Quantity < needed[id] {
				return &InsufficientStockError{
					ProductID:   id,
					ProductName: st.Name,
					Available:   st.Quantity,
					Requested:   needed[id],
				}
			}
			stock[id] = st
		}

		for _, id := range ids {
			ok, err := tx.DecrementStock(ctx, id, needed[id])
			if err != nil {
				return errors.Wrapf(err, "decrement stock %d", id)
			}
			if !ok {
				return &InsufficientStockError{
					ProductID:   id,
					ProductName: stock[id].Name,
					Available:   stock[id].Quantity,
					Requested:   needed[id],
				}
			}
		}

		c := &Confirmation{PlacedAt: placedAt, OrderIDs: make([]int64, 0, len(req.Items))}
		total := decimal.Zero
		lines := make([]notify.Line, 0, len(req.Items))
		for _, it := range req.Items {
			o := &Order{
				Quantity:      it.Quantity,
				UnitPrice:     it.UnitPrice,
				OrderedAt:     placedAt,
				Customer:      req.Customer,
				PaymentMethod: req.PaymentMethod,
				Notes:         req.Notes,
				Status:        StatusPending,
			}
			if it.IsService {
				o.ServiceName = it.ServiceName
			} else {
				pid := it.ProductID
				o.ProductID = &pid
				o.ProductName = stock[pid].Name
			}
			if err := tx.InsertLine(ctx, o); err != nil {
				return errors.Wrap(err, "insert order line")
			}
			c.OrderIDs = append(c.OrderIDs, o.ID)
			total = total.Add(o.LineTotal())
			lines = append(lines, notify.Line{Name: o.DisplayName(), Quantity: o.Quantity, UnitPrice: o.UnitPrice})
		}
		c.Total = total.Round(2)

		msg, err := notify.NewOrderPlaced(req.Customer.Email, notify.OrderPlaced{
			CustomerName:  req.Customer.Name,
			OrderIDs:      c.OrderIDs,
			Lines:         lines,
			Total:         c.Total,
			PaymentMethod: req.PaymentMethod,
			Notes:         req.Notes,
			PlacedAt:      placedAt,
		})
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, msg); err != nil {
			return errors.Wrap(err, "enqueue confirmation")
		}

		conf = c
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, storageError("place order", err))
	}

	s.placed.Add(ctx, int64(len(conf.OrderIDs)))
	s.waker.Wake()

	zctx.From(ctx).Info("Order placed",
		zap.Int64s("order_ids", conf.OrderIDs),
		zap.String("total", conf.Total.StringFixed(2)),
	)
	return conf, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, err error) error {
	reason := "storage"
	var (
		vErr  *ValidationError
		nfErr *NotFoundError
		isErr *InsufficientStockError
	)
	switch {
	case errors.As(err, &vErr):
		reason = "validation"
	case errors.As(err, &nfErr):
		reason = "not_found"
	case errors.As(err, &isErr):
		reason = "insufficient_stock"
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "place order failed")
	}
	s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return err
}

// SetStatus moves an order row to the given status. Any status except
// pending records a status notification in the same transaction. Stock is
// never adjusted.
func (s *Service) SetStatus(ctx context.Context, id int64, value string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.SetStatus",
		trace.WithAttributes(attribute.Int64("order.id", id), attribute.String("order.status", value)))
	defer span.End()

	status, err := ParseStatus(value)
	if err != nil {
		return nil, err
	}

	var updated *Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: EntityOrder, ID: id}
		}
		if err != nil {
			return errors.Wrapf(err, "lock order %d", id)
		}
		if s.strict && !CanTransition(o.Status, status) {
			return &TransitionError{From: o.Status, To: status}
		}
		if err := tx.UpdateStatus(ctx, id, status); err != nil {
			if errors.Is(err, ErrNotFound) {
				return &NotFoundError{Entity: EntityOrder, ID: id}
			}
			return errors.Wrapf(err, "update status %d", id)
		}
		o.Status = status
		updated = o

		if status == StatusPending {
			return nil
		}
		msg, err := notify.NewStatusChanged(o.Customer.Email, notify.StatusChanged{
			OrderID:      id,
			CustomerName: o.Customer.Name,
			Status:       string(status),
			ChangedAt:    s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, msg)
	})
	if err != nil {
		err = storageError("set status", err)
		var sErr *StorageError
		if errors.As(err, &sErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "set status failed")
		}
		return nil, err
	}

	if status != StatusPending {
		s.waker.Wake()
	}
	zctx.From(ctx).Info("Order status changed",
		zap.Int64("order_id", id),
		zap.String("status", string(status)),
	)
	return updated, nil
}

// Get returns one order row.
func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Entity: EntityOrder, ID: id}
	}
	if err != nil {
		return nil, storageError("get order", err)
	}
	return o, nil
}

// List returns order rows, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Order, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, &InvalidStatusError{Value: string(*f.Status)}
	}
	orders, err := s.store.List(ctx, f)
	if err != nil {
		return nil, storageError("list orders", err)
	}
	return orders, nil
}

// UpdateDetails edits the contact data, quantity and notes of one row.
// Stock is not adjusted.
func (s *Service) UpdateDetails(ctx context.Context, id int64, d Details) (*Order, error) {
	c, err := d.Customer.normalize()
	if err != nil {
		return nil, err
	}
	if d.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be greater than 0"}
	}
	if d.Quantity > MaxQuantity {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be at most %d", MaxQuantity)}
	}
	d.Customer = c
	d.Notes = strings.TrimSpace(d.Notes)

	if err := s.store.UpdateDetails(ctx, id, d); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Entity: EntityOrder, ID: id}
		}
		return nil, storageError("update order", err)
	}
	return s.Get(ctx, id)
}

// Delete removes one order row.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: EntityOrder, ID: id}
		}
		return storageError("delete order", err)
	}
	return nil
}

func (c Customer) normalize() (Customer, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)

	switch {
	case c.Name == "":
		return c, &ValidationError{Field: "customer.name", Reason: "required"}
	case c.Email == "":
		return c, &ValidationError{Field: "customer.email", Reason: "required"}
	case c.Phone == "":
		return c, &ValidationError{Field: "customer.phone", Reason: "required"}
	}
	addr, err := mail.ParseAddress(c.Email)
	if err != nil {
		return c, &ValidationError{Field: "customer.email", Reason: "invalid address"}
	}
	c.Email = addr.Address
	return c, nil
}

// normalize trims and validates the request. It returns the first offending
// field as a *ValidationError.
func (r PlaceOrderRequest) normalize() (PlaceOrderRequest, error) {
	c, err := r.Customer.normalize()
	if err != nil {
		return r, err
	}
	r.Customer = c
	r.PaymentMethod = strings.TrimSpace(r.PaymentMethod)
	r.Notes = strings.TrimSpace(r.Notes)

	if len(r.Items) == 0 {
		return r, &ValidationError{Field: "items", Reason: "required"}
	}

	items := make([]LineItem, len(r.Items))
	for i, it := range r.Items {
		field := fmt.Sprintf("items[%d]", i)
		it.ServiceName = strings.TrimSpace(it.ServiceName)
		if it.IsService {
			if it.ServiceName == "" {
				return r, &ValidationError{Field: field + ".serviceName", Reason: "required"}
			}
			if it.ProductID != 0 {
				return r, &ValidationError{Field: field + ".productId", Reason: "must be empty for service lines"}
			}
		} else {
			if it.ProductID <= 0 {
				return r, &ValidationError{Field: field + ".productId", Reason: "required"}
			}
			if it.ServiceName != "" {
				return r, &ValidationError{Field: field + ".serviceName", Reason: "must be empty for product lines"}
			}
		}
		if it.Quantity <= 0 {
			return r, &ValidationError{Field: field + ".quantity", Reason: "must be greater than 0"}
		}
		if it.Quantity > MaxQuantity {
			return r, &ValidationError{Field: field + ".quantity", Reason: fmt.Sprintf("must be at most %d", MaxQuantity)}
		}
		if it.UnitPrice.IsNegative() {
			return r, &ValidationError{Field: field + ".unitPrice", Reason: "must not be negative"}
		}
		it.UnitPrice = it.UnitPrice.Round(2)
		items[i] = it
	}
	r.Items = items
	return r, nil
}
