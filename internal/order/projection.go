package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillworks/tillsync/internal/event"
)

// Tax and tronc rates applied when change_quantity recomputes financials.
var (
	taxRate   = decimal.RequireFromString("0.10")
	troncRate = decimal.RequireFromString("0.12")
)

var (
	// ErrUnhandled marks an event whose entity or type this device does not
	// understand. Callers log and ignore it rather than reject, so that a
	// venue can run mixed software versions (see DecodePayload).
	ErrUnhandled = errors.New("unhandled entity or event type")

	// ErrNoOrder is returned when a mutating event targets an entity id
	// with no projected order. This is a real processing failure and is
	// surfaced to the originating device as a rejection.
	ErrNoOrder = errors.New("no order for entity id")

	// ErrTerminal is returned when an event targets a closed or voided
	// order. Closed and voided are terminal states.
	ErrTerminal = errors.New("order is closed or voided")
)

// Apply folds one event onto the previous order state and returns the new
// state. prev is nil when no order exists yet for the event's entity id.
// The input is never mutated.
//
// now supplies the wall-clock instant for ClosedAt/VoidedAt stamps; all
// ordering decisions use the event's sequence and lamportClock, never now.
func Apply(prev *Order, ev event.Event, now time.Time) (*Order, error) {
	if ev.Entity != event.EntityOrder {
		return nil, fmt.Errorf("entity %q: %w", ev.Entity, ErrUnhandled)
	}

	payload, err := event.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("event type %q: %w", ev.Type, ErrUnhandled)
	}

	var next *Order
	switch p := payload.(type) {
	case event.ItemsPayload:
		switch ev.Type {
		case event.TypeAddItem:
			next, err = applyAddItem(prev, ev, p)
		case event.TypeChangeQuantity:
			next, err = applyChangeQuantity(prev, ev, p)
		}
	case event.DiscountPayload:
		next, err = applyDiscount(prev, ev, p)
	case event.EmptyPayload:
		switch ev.Type {
		case event.TypeCloseCheck:
			next, err = applyClose(prev, ev, now)
		case event.TypeVoidItem:
			next, err = applyVoid(prev, ev, now)
		}
	}
	if err != nil {
		return nil, err
	}

	next.UpdatedByEventID = ev.ID
	next.recomputeTotal()
	return next, nil
}

func applyAddItem(prev *Order, ev event.Event, p event.ItemsPayload) (*Order, error) {
	if prev == nil {
		o := &Order{
			ID:               ev.EntityID,
			Status:           StatusOpen,
			TableID:          p.TableID,
			GuestID:          p.GuestID,
			ReservationID:    p.ReservationID,
			Items:            append([]event.LineItem(nil), p.Items...),
			CreatedByEventID: ev.ID,
			OpenedAt:         ev.CreatedAt,
		}
		o.SubtotalCents = sumUnitTimesQuantity(o.Items)
		if p.DiscountCents != nil {
			o.DiscountCents = *p.DiscountCents
		}
		if p.TaxCents != nil {
			o.TaxCents = *p.TaxCents
		}
		if p.TroncCents != nil {
			o.TroncCents = *p.TroncCents
		}
		return o, nil
	}

	if prev.Status != StatusOpen {
		return nil, fmt.Errorf("add_item on order %s: %w", prev.ID, ErrTerminal)
	}
	o := prev.clone()
	o.Items = append(o.Items, p.Items...)
	o.SubtotalCents = sumUnitTimesQuantity(o.Items)
	// Financial overrides replace the previous values only when supplied.
	if p.DiscountCents != nil {
		o.DiscountCents = *p.DiscountCents
	}
	if p.TaxCents != nil {
		o.TaxCents = *p.TaxCents
	}
	if p.TroncCents != nil {
		o.TroncCents = *p.TroncCents
	}
	return o, nil
}

func applyChangeQuantity(prev *Order, ev event.Event, p event.ItemsPayload) (*Order, error) {
	if prev == nil {
		return nil, fmt.Errorf("change_quantity for %s: %w", ev.EntityID, ErrNoOrder)
	}
	if prev.Status != StatusOpen {
		return nil, fmt.Errorf("change_quantity on order %s: %w", prev.ID, ErrTerminal)
	}
	o := prev.clone()
	o.Items = append([]event.LineItem(nil), p.Items...)
	o.SubtotalCents = 0
	for _, item := range o.Items {
		o.SubtotalCents += item.SubtotalCents
	}
	o.TaxCents = roundCents(o.SubtotalCents, taxRate)
	o.TroncCents = roundCents(o.SubtotalCents, troncRate)
	return o, nil
}

func applyDiscount(prev *Order, ev event.Event, p event.DiscountPayload) (*Order, error) {
	if prev == nil {
		return nil, fmt.Errorf("apply_discount for %s: %w", ev.EntityID, ErrNoOrder)
	}
	if prev.Status != StatusOpen {
		return nil, fmt.Errorf("apply_discount on order %s: %w", prev.ID, ErrTerminal)
	}
	o := prev.clone()
	o.DiscountCents = p.DiscountCents
	return o, nil
}

func applyClose(prev *Order, ev event.Event, now time.Time) (*Order, error) {
	if prev == nil {
		return nil, fmt.Errorf("close_check for %s: %w", ev.EntityID, ErrNoOrder)
	}
	if prev.Status != StatusOpen {
		return nil, fmt.Errorf("close_check on order %s: %w", prev.ID, ErrTerminal)
	}
	o := prev.clone()
	o.Status = StatusClosed
	t := now
	o.ClosedAt = &t
	return o, nil
}

func applyVoid(prev *Order, ev event.Event, now time.Time) (*Order, error) {
	if prev == nil {
		return nil, fmt.Errorf("void_item for %s: %w", ev.EntityID, ErrNoOrder)
	}
	if prev.Status != StatusOpen {
		return nil, fmt.Errorf("void_item on order %s: %w", prev.ID, ErrTerminal)
	}
	o := prev.clone()
	o.Status = StatusVoided
	t := now
	o.VoidedAt = &t
	return o, nil
}

func sumUnitTimesQuantity(items []event.LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPriceCents * item.Quantity
	}
	return total
}

// roundCents multiplies an integer cent amount by a rate and rounds
// half-away-from-zero back to integer cents.
func roundCents(cents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(rate).Round(0).IntPart()
}
