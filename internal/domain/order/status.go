package order

import "strings"

// Status is the lifecycle state of an order row.
type Status string

// Order statuses.
const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCanceled  Status = "canceled"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusPending, StatusPaid, StatusInTransit, StatusDelivered, StatusCanceled}

// Labels used by the original admin panel.
var legacyStatuses = map[string]Status{
	"pendiente": StatusPending,
	"pagado":    StatusPaid,
	"en camino": StatusInTransit,
	"entregado": StatusDelivered,
	"cancelado": StatusCanceled,
}

// ParseStatus converts s to a Status or returns *InvalidStatusError.
func ParseStatus(s string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, st := range Statuses {
		if string(st) == v {
			return st, nil
		}
	}
	if st, ok := legacyStatuses[v]; ok {
		return st, nil
	}
	return "", &InvalidStatusError{Value: s}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

var strictNext = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCanceled},
	StatusPaid:      {StatusInTransit, StatusCanceled},
	StatusInTransit: {StatusDelivered, StatusCanceled},
}

// CanTransition reports whether from → to is allowed by the strict
// lifecycle. Re-applying the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range strictNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
