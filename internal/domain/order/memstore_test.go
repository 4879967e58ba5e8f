package order

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/notify"
)

// memStore is a serialized in-memory Store. Every transaction works on a
// copy of the state that is swapped in only on commit.
type memStore struct {
	mu       sync.Mutex
	products map[int64]product.Stock
	orders   map[int64]Order
	outbox   []notify.Message
	nextID   int64

	// Fault injection.
	insertErrAt int // fail the n-th InsertLine of a transaction (1-based)
	insertErr   error
	enqueueErr  error
	commitErr   error
}

func newMemStore(products ...product.Stock) *memStore {
	m := &memStore{
		products: make(map[int64]product.Stock),
		orders:   make(map[int64]Order),
		nextID:   1,
	}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

type memTx struct {
	store    *memStore
	products map[int64]product.Stock
	orders   map[int64]Order
	outbox   []notify.Message
	nextID   int64
	inserts  int
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:    m,
		products: maps.Clone(m.products),
		orders:   maps.Clone(m.orders),
		outbox:   slices.Clone(m.outbox),
		nextID:   m.nextID,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	m.products, m.orders, m.outbox, m.nextID = tx.products, tx.orders, tx.outbox, tx.nextID
	return nil
}

func (t *memTx) LockProduct(_ context.Context, id int64) (product.Stock, error) {
	p, ok := t.products[id]
	if !ok {
		return product.Stock{}, product.ErrNotFound
	}
	return p, nil
}

func (t *memTx) DecrementStock(_ context.Context, id int64, qty int) (bool, error) {
	p, ok := t.products[id]
	if !ok || p.Quantity < qty {
		return false, nil
	}
	p.Quantity -= qty
	t.products[id] = p
	return true, nil
}

func (t *memTx) InsertLine(_ context.Context, o *Order) error {
	t.inserts++
	if t.store.insertErr != nil && t.inserts == t.store.insertErrAt {
		return t.store.insertErr
	}
	o.ID = t.nextID
	t.nextID++
	t.orders[o.ID] = *o
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id int64) (*Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (t *memTx) UpdateStatus(_ context.Context, id int64, s Status) error {
	o, ok := t.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = s
	t.orders[id] = o
	return nil
}

func (t *memTx) Enqueue(_ context.Context, msg notify.Message) error {
	if t.store.enqueueErr != nil {
		return t.store.enqueueErr
	}
	t.outbox = append(t.outbox, msg)
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *memStore) List(_ context.Context, f Filter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, id := range slices.Backward(slices.Sorted(maps.Keys(m.orders))) {
		o := m.orders[id]
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *memStore) UpdateDetails(_ context.Context, id int64, d Details) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Customer, o.Quantity, o.Notes = d.Customer, d.Quantity, d.Notes
	m.orders[id] = o
	return nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	return nil
}

// notify.Outbox over the same state, for dispatcher-level tests.

func (m *memStore) Claim(_ context.Context, limit int, _ time.Duration) ([]notify.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.outbox))
	return slices.Clone(m.outbox[:n]), nil
}

func (m *memStore) MarkSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = slices.DeleteFunc(m.outbox, func(msg notify.Message) bool { return msg.ID == id })
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, _ string, _ time.Time, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			m.outbox[i].Attempts++
		}
	}
	return nil
}

// snapshot helpers

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Quantity
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) pendingMessages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.outbox)
}

func (m *memStore) seedOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	if o.ID >= m.nextID {
		m.nextID = o.ID + 1
	}
}
