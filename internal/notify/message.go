// Package notify delivers customer notifications through a transactional
// outbox. Messages are recorded in the same storage transaction as the state
// change that caused them and delivered asynchronously by a Dispatcher.
package notify

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Kind selects the template used to render a message.
type Kind string

// Message kinds.
const (
	KindOrderPlaced   Kind = "order_placed"
	KindStatusChanged Kind = "status_changed"
)

// Message is one pending notification.
type Message struct {
	ID        string
	Kind      Kind
	Recipient string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Line is an order line as shown in a confirmation.
type Line struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Subtotal returns quantity times unit price.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// OrderPlaced is the payload of a KindOrderPlaced message.
type OrderPlaced struct {
	CustomerName  string          `json:"customerName"`
	OrderIDs      []int64         `json:"orderIds"`
	Lines         []Line          `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"paymentMethod"`
	Notes         string          `json:"notes,omitempty"`
	PlacedAt      time.Time       `json:"placedAt"`
}

// StatusChanged is the payload of a KindStatusChanged message.
type StatusChanged struct {
	OrderID      int64     `json:"orderId"`
	CustomerName string    `json:"customerName"`
	Status       string    `json:"status"`
	ChangedAt    time.Time `json:"changedAt"`
}

// NewOrderPlaced builds an order confirmation message.
func NewOrderPlaced(recipient string, p OrderPlaced) (Message, error) {
	return newMessage(KindOrderPlaced, recipient, p, p.PlacedAt)
}

// NewStatusChanged builds a status update message.
func NewStatusChanged(recipient string, p StatusChanged) (Message, error) {
	return newMessage(KindStatusChanged, recipient, p, p.ChangedAt)
}

func newMessage(kind Kind, recipient string, payload any, at time.Time) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "marshal %s payload", kind)
	}
	return Message{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Recipient: recipient,
		Payload:   raw,
		CreatedAt: at,
	}, nil
}

// DecodeOrderPlaced decodes the payload of a KindOrderPlaced message.
func (m Message) DecodeOrderPlaced() (OrderPlaced, error) {
	var p OrderPlaced
	if m.Kind != KindOrderPlaced {
		return p, errors.Errorf("message %s is %s, not %s", m.ID, m.Kind, KindOrderPlaced)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, errors.Wrap(err, "decode order placed")
	}
	return p, nil
}

// DecodeStatusChanged decodes the payload of a KindStatusChanged message.
func (m Message) DecodeStatusChanged() (StatusChanged, error) {
	var p StatusChanged
	if m.Kind != KindStatusChanged {
		return p, errors.Errorf("message %s is %s, not %s", m.ID, m.Kind, KindStatusChanged)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, errors.Wrap(err, "decode status changed")
	}
	return p, nil
}
