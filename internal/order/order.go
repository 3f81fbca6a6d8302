// Package order defines the projected Order entity and the pure event
// application that maintains it.
//
// Orders are never mutated directly: every change flows through Apply,
// which folds one event onto the previous state. The same Apply runs on
// the originating device, on the relay, and on every broadcast receiver,
// which is what keeps the fleet's materialized orders convergent.
package order

import (
	"time"

	"github.com/tillworks/tillsync/internal/event"
)

// Status is the order lifecycle state. Closed and voided are terminal.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusVoided Status = "voided"
)

// Order is the materialized projection of all events targeting one entity id.
//
// Financial fields are integer cents and always satisfy
// TotalCents == SubtotalCents - DiscountCents + TaxCents + TroncCents.
type Order struct {
	ID     string
	Status Status

	TableID       string
	GuestID       string
	ReservationID string

	Items []event.LineItem

	SubtotalCents int64
	DiscountCents int64
	TaxCents      int64
	TroncCents    int64
	TotalCents    int64

	CreatedByEventID string
	UpdatedByEventID string

	OpenedAt time.Time
	ClosedAt *time.Time
	VoidedAt *time.Time
}

// clone returns a copy with its own Items slice so Apply never aliases the
// caller's state.
func (o *Order) clone() *Order {
	c := *o
	c.Items = make([]event.LineItem, len(o.Items))
	copy(c.Items, o.Items)
	return &c
}

// recomputeTotal derives TotalCents from the other financial fields.
func (o *Order) recomputeTotal() {
	o.TotalCents = o.SubtotalCents - o.DiscountCents + o.TaxCents + o.TroncCents
}
