package event

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Payload is the tagged union of per-type event data. The concrete variant
// is selected by the event's Type discriminant, never by sniffing fields.
type Payload interface {
	isPayload()
}

// LineItem is one order line. SubtotalCents is carried on the wire rather
// than recomputed so that all devices agree on the exact cent amounts the
// originating till displayed.
type LineItem struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unitPriceCents"`
	Quantity       int64  `json:"quantity"`
	SubtotalCents  int64  `json:"subtotalCents"`
}

// ItemsPayload carries line items for add_item and change_quantity events.
// The financial overrides are optional: add_item may supply pre-computed
// discount/tax/tronc amounts, change_quantity never does.
// The association ids are only honored by the add_item that creates an
// order.
type ItemsPayload struct {
	Items         []LineItem `json:"items"`
	DiscountCents *int64     `json:"discountCents,omitempty"`
	TaxCents      *int64     `json:"taxCents,omitempty"`
	TroncCents    *int64     `json:"troncCents,omitempty"`
	TableID       string     `json:"tableId,omitempty"`
	GuestID       string     `json:"guestId,omitempty"`
	ReservationID string     `json:"reservationId,omitempty"`
}

func (ItemsPayload) isPayload() {}

// DiscountPayload carries the absolute discount for apply_discount events.
type DiscountPayload struct {
	DiscountCents int64 `json:"discountCents"`
}

func (DiscountPayload) isPayload() {}

// EmptyPayload is used by close_check and void_item, which carry no data.
type EmptyPayload struct{}

func (EmptyPayload) isPayload() {}

// DecodePayload parses raw payload JSON into the variant selected by t.
// Item names are NFC-normalized so that the same item entered on two
// devices with different Unicode compositions compares equal everywhere.
//
// Unknown types return (nil, nil): the caller stores and forwards the raw
// payload untouched. This is the version-skew tolerance policy: a device
// running older software must not reject events it cannot interpret.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeAddItem, TypeChangeQuantity:
		var p ItemsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		for i := range p.Items {
			p.Items[i].Name = norm.NFC.String(p.Items[i].Name)
		}
		return p, nil
	case TypeApplyDiscount:
		var p DiscountPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeCloseCheck, TypeVoidItem:
		return EmptyPayload{}, nil
	default:
		return nil, nil
	}
}

// EncodePayload serializes a payload variant for storage and the wire.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
