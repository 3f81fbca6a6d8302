package order

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillworks/tillsync/internal/event"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func mkEvent(t *testing.T, id string, typ event.Type, payload event.Payload) event.Event {
	t.Helper()
	raw, err := event.EncodePayload(payload)
	require.NoError(t, err)
	return event.Event{
		ID:        id,
		Entity:    event.EntityOrder,
		EntityID:  "order-1",
		Type:      typ,
		Payload:   raw,
		CreatedAt: testNow,
	}
}

func flatWhite(qty int64) event.LineItem {
	return event.LineItem{ID: "i1", Name: "Flat White", UnitPriceCents: 450, Quantity: qty, SubtotalCents: 450 * qty}
}

func TestApply_AddItemCreatesOrder(t *testing.T) {
	ev := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{
		Items:   []event.LineItem{flatWhite(2)},
		TableID: "t-12",
	})

	o, err := Apply(nil, ev, testNow)
	require.NoError(t, err)

	assert.Equal(t, "order-1", o.ID)
	assert.Equal(t, StatusOpen, o.Status)
	assert.Equal(t, "t-12", o.TableID)
	assert.Equal(t, int64(900), o.SubtotalCents)
	assert.Equal(t, int64(900), o.TotalCents)
	assert.Equal(t, "ev-1", o.CreatedByEventID)
	assert.Equal(t, "ev-1", o.UpdatedByEventID)
	assert.Equal(t, testNow, o.OpenedAt)
}

func TestApply_AddItemAppends(t *testing.T) {
	first := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	o, err := Apply(nil, first, testNow)
	require.NoError(t, err)

	second := mkEvent(t, "ev-2", event.TypeAddItem, event.ItemsPayload{
		Items: []event.LineItem{{ID: "i2", Name: "Scone", UnitPriceCents: 300, Quantity: 1, SubtotalCents: 300}},
	})
	o2, err := Apply(o, second, testNow)
	require.NoError(t, err)

	assert.Len(t, o2.Items, 2)
	assert.Equal(t, int64(750), o2.SubtotalCents)
	assert.Equal(t, "ev-2", o2.UpdatedByEventID)
	assert.Equal(t, "ev-1", o2.CreatedByEventID)

	// Input state untouched.
	assert.Len(t, o.Items, 1)
	assert.Equal(t, int64(450), o.SubtotalCents)
}

func TestApply_AddItemFinancialOverrides(t *testing.T) {
	tax := int64(90)
	tronc := int64(108)
	ev := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{
		Items:    []event.LineItem{flatWhite(2)},
		TaxCents: &tax, TroncCents: &tronc,
	})

	o, err := Apply(nil, ev, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(90), o.TaxCents)
	assert.Equal(t, int64(108), o.TroncCents)
	assert.Equal(t, int64(900+90+108), o.TotalCents)

	addMore := mkEvent(t, "ev-2", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	o2, err := Apply(o, addMore, testNow)
	require.NoError(t, err)
	// Overrides absent: previous values survive.
	assert.Equal(t, int64(90), o2.TaxCents)
	assert.Equal(t, int64(108), o2.TroncCents)
}

func TestApply_ChangeQuantityRecomputesFinancials(t *testing.T) {
	open := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	o, err := Apply(nil, open, testNow)
	require.NoError(t, err)

	change := mkEvent(t, "ev-2", event.TypeChangeQuantity, event.ItemsPayload{
		Items: []event.LineItem{flatWhite(3)},
	})
	o2, err := Apply(o, change, testNow)
	require.NoError(t, err)

	assert.Equal(t, int64(1350), o2.SubtotalCents)
	assert.Equal(t, int64(135), o2.TaxCents)   // 10%
	assert.Equal(t, int64(162), o2.TroncCents) // 12%
	assert.Equal(t, int64(1350+135+162), o2.TotalCents)
}

func TestApply_ChangeQuantityRoundsHalfAwayFromZero(t *testing.T) {
	open := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	o, err := Apply(nil, open, testNow)
	require.NoError(t, err)

	// 125 * 0.10 = 12.5 -> 13, 125 * 0.12 = 15.0 -> 15
	change := mkEvent(t, "ev-2", event.TypeChangeQuantity, event.ItemsPayload{
		Items: []event.LineItem{{ID: "i1", Name: "Mint", UnitPriceCents: 125, Quantity: 1, SubtotalCents: 125}},
	})
	o2, err := Apply(o, change, testNow)
	require.NoError(t, err)

	assert.Equal(t, int64(13), o2.TaxCents)
	assert.Equal(t, int64(15), o2.TroncCents)
}

func TestApply_DiscountReducesTotal(t *testing.T) {
	open := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(2)}})
	o, err := Apply(nil, open, testNow)
	require.NoError(t, err)

	disc := mkEvent(t, "ev-2", event.TypeApplyDiscount, event.DiscountPayload{DiscountCents: 150})
	o2, err := Apply(o, disc, testNow)
	require.NoError(t, err)

	assert.Equal(t, int64(150), o2.DiscountCents)
	assert.Equal(t, int64(750), o2.TotalCents)
}

// The financial identity must hold after every event type.
func TestApply_TotalIdentityHolds(t *testing.T) {
	tax := int64(90)
	events := []event.Event{
		mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(2)}, TaxCents: &tax}),
		mkEvent(t, "ev-2", event.TypeApplyDiscount, event.DiscountPayload{DiscountCents: 100}),
		mkEvent(t, "ev-3", event.TypeChangeQuantity, event.ItemsPayload{Items: []event.LineItem{flatWhite(3)}}),
		mkEvent(t, "ev-4", event.TypeCloseCheck, event.EmptyPayload{}),
	}

	var o *Order
	var err error
	for _, ev := range events {
		o, err = Apply(o, ev, testNow)
		require.NoError(t, err, "event %s", ev.ID)
		assert.Equal(t, o.SubtotalCents-o.DiscountCents+o.TaxCents+o.TroncCents, o.TotalCents,
			"after event %s", ev.ID)
	}
	assert.Equal(t, StatusClosed, o.Status)
}

func TestApply_CloseStampsTime(t *testing.T) {
	open := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	o, err := Apply(nil, open, testNow)
	require.NoError(t, err)

	closeAt := testNow.Add(45 * time.Minute)
	o2, err := Apply(o, mkEvent(t, "ev-2", event.TypeCloseCheck, event.EmptyPayload{}), closeAt)
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, o2.Status)
	require.NotNil(t, o2.ClosedAt)
	assert.Equal(t, closeAt, *o2.ClosedAt)
}

func TestApply_TerminalStatesRejectMutations(t *testing.T) {
	open := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	o, err := Apply(nil, open, testNow)
	require.NoError(t, err)
	closed, err := Apply(o, mkEvent(t, "ev-2", event.TypeCloseCheck, event.EmptyPayload{}), testNow)
	require.NoError(t, err)

	mutations := []event.Event{
		mkEvent(t, "ev-3", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}}),
		mkEvent(t, "ev-4", event.TypeChangeQuantity, event.ItemsPayload{Items: []event.LineItem{flatWhite(2)}}),
		mkEvent(t, "ev-5", event.TypeApplyDiscount, event.DiscountPayload{DiscountCents: 10}),
		mkEvent(t, "ev-6", event.TypeCloseCheck, event.EmptyPayload{}),
		mkEvent(t, "ev-7", event.TypeVoidItem, event.EmptyPayload{}),
	}
	for _, ev := range mutations {
		_, err := Apply(closed, ev, testNow)
		assert.ErrorIs(t, err, ErrTerminal, "event %s", ev.ID)
	}
}

func TestApply_MutationsRequireExistingOrder(t *testing.T) {
	mutations := []event.Event{
		mkEvent(t, "ev-1", event.TypeChangeQuantity, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}}),
		mkEvent(t, "ev-2", event.TypeApplyDiscount, event.DiscountPayload{DiscountCents: 10}),
		mkEvent(t, "ev-3", event.TypeCloseCheck, event.EmptyPayload{}),
		mkEvent(t, "ev-4", event.TypeVoidItem, event.EmptyPayload{}),
	}
	for _, ev := range mutations {
		_, err := Apply(nil, ev, testNow)
		assert.ErrorIs(t, err, ErrNoOrder, "event %s", ev.ID)
	}
}

func TestApply_UnknownTypeIsUnhandled(t *testing.T) {
	ev := event.Event{
		ID:       "ev-1",
		Entity:   event.EntityOrder,
		EntityID: "order-1",
		Type:     event.Type("split_check"),
		Payload:  json.RawMessage(`{}`),
	}
	_, err := Apply(nil, ev, testNow)
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestApply_UnknownEntityIsUnhandled(t *testing.T) {
	ev := mkEvent(t, "ev-1", event.TypeAddItem, event.ItemsPayload{Items: []event.LineItem{flatWhite(1)}})
	ev.Entity = "reservation"
	_, err := Apply(nil, ev, testNow)
	assert.ErrorIs(t, err, ErrUnhandled)
}
