package event

import (
	"encoding/json"
	"time"
)

// EntityOrder is the only entity kind the projection currently understands.
// Events targeting other entities are stored and replicated verbatim so that
// newer devices can introduce entity kinds without breaking older peers.
const EntityOrder = "order"

// Status tracks an event's position in the sync lifecycle.
type Status string

const (
	// StatusPending means the event has been applied locally but the relay
	// has not yet confirmed durability.
	StatusPending Status = "pending"
	// StatusAcked means the relay (or, on the relay itself, the local
	// journal) has confirmed the event as durably applied.
	StatusAcked Status = "acked"
	// StatusRejected means the relay failed to apply the event. The error
	// is recorded on the event and the owning outbox never completes.
	StatusRejected Status = "rejected"
)

// Type names the operation an event performs on its target entity.
type Type string

const (
	TypeAddItem        Type = "add_item"
	TypeChangeQuantity Type = "change_quantity"
	TypeApplyDiscount  Type = "apply_discount"
	TypeCloseCheck     Type = "close_check"
	TypeVoidItem       Type = "void_item"
)

// Event is an immutable fact in the append-only log. After creation only
// Status, AckedAt, AppliedAt and ErrorMessage ever change; Sequence,
// LamportClock and Payload are fixed for the life of the event.
//
// Exactly one of OutboxID or JournalID is set once the event is committed:
// locally originated events on a client belong to the day's outbox, while
// events a device considers durably applied (relay journal entries and
// replicated broadcasts) belong to the day's journal.
type Event struct {
	ID           string
	Sequence     int64
	LamportClock int64
	Entity       string
	EntityID     string
	Type         Type
	Payload      json.RawMessage

	DeviceID string
	RelayID  string
	UserID   string
	VenueID  string

	Status       Status
	AppliedAt    *time.Time
	AckedAt      *time.Time
	ErrorMessage string

	OutboxID  string
	JournalID string

	CreatedAt time.Time
}

// Replicated reports whether the event originated on another device.
func (e Event) Replicated(localDeviceID string) bool {
	return e.DeviceID != localDeviceID
}
