package order

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/notify"
)

// --- Mock implementations ---

type countingWaker struct {
	n atomic.Int32
}

func (w *countingWaker) Wake() { w.n.Add(1) }

type failingNotifier struct {
	calls atomic.Int32
}

func (f *failingNotifier) Notify(context.Context, notify.Message) error {
	f.calls.Add(1)
	return errors.New("smtp unavailable")
}

// --- Helpers ---

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store Store, cfg Config) (*Service, *countingWaker) {
	t.Helper()
	w := &countingWaker{}
	cfg.Now = func() time.Time { return fixedNow }
	svc, err := NewService(store, w, cfg)
	require.NoError(t, err)
	return svc, w
}

func customer() Customer {
	return Customer{Name: "Ana Perez", Email: "ana@example.com", Phone: "555-0101"}
}

func productLine(id int64, qty int, price string) LineItem {
	return LineItem{ProductID: id, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func serviceLine(name string, qty int, price string) LineItem {
	return LineItem{ServiceName: name, IsService: true, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func groomingCart() PlaceOrderRequest {
	return PlaceOrderRequest{
		Customer:      customer(),
		PaymentMethod: "transfer",
		Items: []LineItem{
			serviceLine("Grooming", 1, "20.00"),
			productLine(7, 2, "5.50"),
		},
		Notes: "ring twice",
	}
}

func snackStock(qty int) product.Stock {
	return product.Stock{ID: 7, Name: "Snack Dental", Quantity: qty}
}

// --- PlaceOrder ---

func TestPlaceOrder_ServiceAndProduct(t *testing.T) {
	store := newMemStore(snackStock(2))
	svc, waker := newTestService(t, store, Config{})

	conf, err := svc.PlaceOrder(context.Background(), groomingCart())

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("31.00").Equal(conf.Total))
	assert.Len(t, conf.OrderIDs, 2)
	assert.Equal(t, fixedNow, conf.PlacedAt)
	assert.Equal(t, 0, store.stock(7))
	assert.Equal(t, int32(1), waker.n.Load())

	for _, id := range conf.OrderIDs {
		o, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, o.Status)
		assert.Equal(t, customer(), o.Customer)
		assert.Equal(t, "transfer", o.PaymentMethod)
		assert.Equal(t, "ring twice", o.Notes)
		assert.Equal(t, fixedNow, o.OrderedAt)
	}

	service, err := svc.Get(context.Background(), conf.OrderIDs[0])
	require.NoError(t, err)
	assert.True(t, service.IsService())
	assert.Equal(t, "Grooming", service.ServiceName)

	snack, err := svc.Get(context.Background(), conf.OrderIDs[1])
	require.NoError(t, err)
	require.NotNil(t, snack.ProductID)
	assert.Equal(t, int64(7), *snack.ProductID)
	assert.True(t, decimal.RequireFromString("5.50").Equal(snack.UnitPrice))

	msgs := store.pendingMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.KindOrderPlaced, msgs[0].Kind)
	assert.Equal(t, "ana@example.com", msgs[0].Recipient)
	payload, err := msgs[0].DecodeOrderPlaced()
	require.NoError(t, err)
	assert.Equal(t, conf.OrderIDs, payload.OrderIDs)
	assert.Equal(t, "Snack Dental", payload.Lines[1].Name)
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	store := newMemStore(snackStock(1))
	svc, waker := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), groomingCart())

	var isErr *InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, int64(7), isErr.ProductID)
	assert.Equal(t, 1, isErr.Available)
	assert.Equal(t, 2, isErr.Requested)
	assert.Equal(t, "Snack Dental", isErr.ProductName)

	assert.Equal(t, 1, store.stock(7))
	assert.Zero(t, store.orderCount())
	assert.Empty(t, store.pendingMessages())
	assert.Zero(t, waker.n.Load())
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Customer: customer(),
		Items:    []LineItem{productLine(99, 1, "1.00")},
	})

	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, EntityProduct, nfErr.Entity)
	assert.Equal(t, int64(99), nfErr.ID)
	assert.Zero(t, store.orderCount())
}

func TestPlaceOrder_AtomicAcrossLines(t *testing.T) {
	store := newMemStore(
		product.Stock{ID: 1, Name: "Croquetas", Quantity: 5},
		product.Stock{ID: 2, Name: "Arena", Quantity: 0},
	)
	svc, _ := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Customer: customer(),
		Items: []LineItem{
			productLine(1, 2, "54.90"),
			serviceLine("Bath", 1, "15.00"),
			productLine(2, 1, "12.50"),
		},
	})

	var isErr *InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, int64(2), isErr.ProductID)
	assert.Equal(t, 5, store.stock(1))
	assert.Equal(t, 0, store.stock(2))
	assert.Zero(t, store.orderCount())
}

func TestPlaceOrder_DuplicateLinesCheckedTogether(t *testing.T) {
	store := newMemStore(snackStock(2))
	svc, _ := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Customer: customer(),
		Items:    []LineItem{productLine(7, 1, "5.50"), productLine(7, 2, "5.50")},
	})

	var isErr *InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, 3, isErr.Requested)
	assert.Equal(t, 2, store.stock(7))
}

func TestPlaceOrder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*PlaceOrderRequest)
		field string
	}{
		{name: "missing name", edit: func(r *PlaceOrderRequest) { r.Customer.Name = " " }, field: "customer.name"},
		{name: "missing email", edit: func(r *PlaceOrderRequest) { r.Customer.Email = "" }, field: "customer.email"},
		{name: "malformed email", edit: func(r *PlaceOrderRequest) { r.Customer.Email = "not-an-email" }, field: "customer.email"},
		{name: "missing phone", edit: func(r *PlaceOrderRequest) { r.Customer.Phone = "" }, field: "customer.phone"},
		{name: "no items", edit: func(r *PlaceOrderRequest) { r.Items = nil }, field: "items"},
		{name: "zero quantity", edit: func(r *PlaceOrderRequest) { r.Items[1].Quantity = 0 }, field: "items[1].quantity"},
		{name: "quantity above column range", edit: func(r *PlaceOrderRequest) {
			r.Items[1].Quantity = math.MaxInt
		}, field: "items[1].quantity"},
		{name: "service quantity above column range", edit: func(r *PlaceOrderRequest) {
			r.Items[0].Quantity = MaxQuantity + 1
		}, field: "items[0].quantity"},
		{name: "duplicate lines overflow total", edit: func(r *PlaceOrderRequest) {
			r.Items[1].Quantity = MaxQuantity
			r.Items = append(r.Items, productLine(7, MaxQuantity-3, "0"))
		}, field: "items[2].quantity"},
		{name: "negative price", edit: func(r *PlaceOrderRequest) {
			r.Items[0].UnitPrice = decimal.NewFromInt(-1)
		}, field: "items[0].unitPrice"},
		{name: "service without name", edit: func(r *PlaceOrderRequest) { r.Items[0].ServiceName = "" }, field: "items[0].serviceName"},
		{name: "service with product", edit: func(r *PlaceOrderRequest) { r.Items[0].ProductID = 7 }, field: "items[0].productId"},
		{name: "product without id", edit: func(r *PlaceOrderRequest) { r.Items[1].ProductID = 0 }, field: "items[1].productId"},
		{name: "product with service name", edit: func(r *PlaceOrderRequest) {
			r.Items[1].ServiceName = "Bath"
		}, field: "items[1].serviceName"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(snackStock(2))
			svc, _ := newTestService(t, store, Config{})

			req := groomingCart()
			tt.edit(&req)
			_, err := svc.PlaceOrder(context.Background(), req)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Equal(t, 2, store.stock(7))
			assert.Zero(t, store.orderCount())
		})
	}
}

func TestPlaceOrder_StorageFailureRollsBack(t *testing.T) {
	store := newMemStore(snackStock(2))
	store.insertErrAt = 2
	store.insertErr = errors.New("connection reset")
	svc, waker := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), groomingCart())

	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "place order", sErr.Op)
	assert.Equal(t, 2, store.stock(7))
	assert.Zero(t, store.orderCount())
	assert.Zero(t, waker.n.Load())
}

func TestPlaceOrder_CommitFailure(t *testing.T) {
	store := newMemStore(snackStock(2))
	store.commitErr = errors.New("commit failed")
	svc, _ := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), groomingCart())

	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, 2, store.stock(7))
	assert.Zero(t, store.orderCount())
}

func TestPlaceOrder_OutboxFailureRollsBack(t *testing.T) {
	store := newMemStore(snackStock(2))
	store.enqueueErr = errors.New("outbox insert failed")
	svc, _ := newTestService(t, store, Config{})

	_, err := svc.PlaceOrder(context.Background(), groomingCart())

	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, 2, store.stock(7))
	assert.Zero(t, store.orderCount())
}

func TestPlaceOrder_NotificationFailureKeepsOrder(t *testing.T) {
	store := newMemStore(snackStock(2))
	notifier := &failingNotifier{}
	dispatcher, err := notify.NewDispatcher(store, notifier, notify.DispatcherConfig{})
	require.NoError(t, err)
	svc, err := NewService(store, dispatcher, Config{})
	require.NoError(t, err)

	conf, err := svc.PlaceOrder(context.Background(), groomingCart())
	require.NoError(t, err)

	n, err := dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), notifier.calls.Load())

	// The order stays committed and the message stays queued for retry.
	assert.Equal(t, 2, store.orderCount())
	assert.Equal(t, 0, store.stock(7))
	msgs := store.pendingMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)

	o, err := svc.Get(context.Background(), conf.OrderIDs[1])
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
}

func TestPlaceOrder_NoOversell(t *testing.T) {
	store := newMemStore(snackStock(3))
	svc, _ := newTestService(t, store, Config{})

	var succeeded, rejected atomic.Int32
	var g errgroup.Group
	for range 10 {
		g.Go(func() error {
			_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				Customer: customer(),
				Items:    []LineItem{productLine(7, 2, "5.50")},
			})
			var isErr *InsufficientStockError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &isErr):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(9), rejected.Load())
	assert.Equal(t, 1, store.stock(7))
	assert.Equal(t, 1, store.orderCount())
}

// --- SetStatus ---

func seedPending(store *memStore, id int64) {
	seedWithStatus(store, id, StatusPending)
}

func seedWithStatus(store *memStore, id int64, status Status) {
	pid := int64(7)
	store.seedOrder(Order{
		ID:        id,
		ProductID: &pid,
		Quantity:  1,
		UnitPrice: decimal.RequireFromString("5.50"),
		OrderedAt: fixedNow,
		Customer:  customer(),
		Status:    status,
	})
}

func TestSetStatus_PaidThenBogus(t *testing.T) {
	store := newMemStore(snackStock(5))
	seedPending(store, 42)
	svc, waker := newTestService(t, store, Config{})

	o, err := svc.SetStatus(context.Background(), 42, "paid")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)

	got, err := svc.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, int32(1), waker.n.Load())

	_, err = svc.SetStatus(context.Background(), 42, "bogus")
	var stErr *InvalidStatusError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, "bogus", stErr.Value)

	got, err = svc.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Len(t, store.pendingMessages(), 1)
}

func TestSetStatus_RoundTrip(t *testing.T) {
	store := newMemStore()
	seedPending(store, 1)
	svc, _ := newTestService(t, store, Config{})

	// Permissive mode accepts any order, including re-entering pending.
	for _, s := range []Status{StatusDelivered, StatusPending, StatusCanceled, StatusPaid, StatusInTransit, StatusPending} {
		_, err := svc.SetStatus(context.Background(), 1, string(s))
		require.NoError(t, err)

		got, err := svc.Get(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, s, got.Status)
	}
}

func TestSetStatus_NotificationsSkipPending(t *testing.T) {
	store := newMemStore()
	seedPending(store, 1)
	svc, waker := newTestService(t, store, Config{})

	_, err := svc.SetStatus(context.Background(), 1, "pending")
	require.NoError(t, err)
	assert.Empty(t, store.pendingMessages())
	assert.Zero(t, waker.n.Load())

	_, err = svc.SetStatus(context.Background(), 1, "in_transit")
	require.NoError(t, err)
	msgs := store.pendingMessages()
	require.Len(t, msgs, 1)
	payload, err := msgs[0].DecodeStatusChanged()
	require.NoError(t, err)
	assert.Equal(t, "in_transit", payload.Status)
	assert.Equal(t, int64(1), payload.OrderID)
	assert.Equal(t, "Ana Perez", payload.CustomerName)
}

func TestSetStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(t, newMemStore(), Config{})

	_, err := svc.SetStatus(context.Background(), 404, "paid")

	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, EntityOrder, nfErr.Entity)
	assert.Equal(t, int64(404), nfErr.ID)
}

func TestSetStatus_CancelDoesNotRestock(t *testing.T) {
	store := newMemStore(snackStock(2))
	svc, _ := newTestService(t, store, Config{})

	conf, err := svc.PlaceOrder(context.Background(), groomingCart())
	require.NoError(t, err)

	_, err = svc.SetStatus(context.Background(), conf.OrderIDs[1], "canceled")
	require.NoError(t, err)
	assert.Equal(t, 0, store.stock(7))
}

func TestSetStatus_LegacyLabel(t *testing.T) {
	store := newMemStore()
	seedPending(store, 1)
	svc, _ := newTestService(t, store, Config{})

	o, err := svc.SetStatus(context.Background(), 1, "en camino")
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, o.Status)
}

func TestSetStatus_StrictMode(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusDelivered, false},
		{StatusPaid, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		{StatusDelivered, StatusPending, false},
		{StatusCanceled, StatusPaid, false},
		{StatusPaid, StatusPaid, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			store := newMemStore()
			seedWithStatus(store, 1, tt.from)
			svc, _ := newTestService(t, store, Config{StrictTransitions: true})

			_, err := svc.SetStatus(context.Background(), 1, string(tt.to))
			got, getErr := svc.Get(context.Background(), 1)
			require.NoError(t, getErr)

			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, got.Status)
				return
			}
			var trErr *TransitionError
			require.ErrorAs(t, err, &trErr)
			assert.Equal(t, tt.from, trErr.From)
			assert.Equal(t, tt.from, got.Status)
			assert.Empty(t, store.pendingMessages())
		})
	}
}

// --- Queries and administration ---

func TestGet_RepeatableRead(t *testing.T) {
	store := newMemStore()
	seedPending(store, 3)
	svc, _ := newTestService(t, store, Config{})

	first, err := svc.Get(context.Background(), 3)
	require.NoError(t, err)
	second, err := svc.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService(t, newMemStore(), Config{})

	_, err := svc.Get(context.Background(), 1)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestList_FiltersByStatus(t *testing.T) {
	store := newMemStore()
	seedPending(store, 1)
	seedPending(store, 2)
	svc, _ := newTestService(t, store, Config{})
	_, err := svc.SetStatus(context.Background(), 2, "paid")
	require.NoError(t, err)

	paid := StatusPaid
	orders, err := svc.List(context.Background(), Filter{Status: &paid})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(2), orders[0].ID)

	all, err := svc.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bogus := Status("bogus")
	_, err = svc.List(context.Background(), Filter{Status: &bogus})
	var stErr *InvalidStatusError
	require.ErrorAs(t, err, &stErr)
}

func TestUpdateDetails(t *testing.T) {
	store := newMemStore()
	seedPending(store, 5)
	svc, _ := newTestService(t, store, Config{})

	o, err := svc.UpdateDetails(context.Background(), 5, Details{
		Customer: Customer{Name: "Luis", Email: "Luis <luis@example.com>", Phone: "555"},
		Quantity: 3,
		Notes:    "  leave at door ",
	})
	require.NoError(t, err)
	assert.Equal(t, "luis@example.com", o.Customer.Email)
	assert.Equal(t, 3, o.Quantity)
	assert.Equal(t, "leave at door", o.Notes)

	_, err = svc.UpdateDetails(context.Background(), 5, Details{Customer: customer(), Quantity: 0})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "quantity", vErr.Field)

	_, err = svc.UpdateDetails(context.Background(), 5, Details{Customer: customer(), Quantity: MaxQuantity + 1})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "quantity", vErr.Field)
	got, err := svc.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	_, err = svc.UpdateDetails(context.Background(), 99, Details{Customer: customer(), Quantity: 1})
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestDelete(t *testing.T) {
	store := newMemStore()
	seedPending(store, 5)
	svc, _ := newTestService(t, store, Config{})

	require.NoError(t, svc.Delete(context.Background(), 5))
	assert.Zero(t, store.orderCount())

	var nfErr *NotFoundError
	require.ErrorAs(t, svc.Delete(context.Background(), 5), &nfErr)
}
