package synctest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/order"
	"github.com/tillworks/tillsync/internal/store"
)

func items(name string, unitPriceCents, quantity int64) event.ItemsPayload {
	return event.ItemsPayload{
		Items: []event.LineItem{{
			ID:             "item-" + name,
			Name:           name,
			UnitPriceCents: unitPriceCents,
			Quantity:       quantity,
			SubtotalCents:  unitPriceCents * quantity,
		}},
	}
}

// A client's order round-trips: outbox pending, relay applies and confirms,
// outbox completes, relay projection matches.
func TestSync_ClientOrderReachesRelay(t *testing.T) {
	ctx := context.Background()
	c := NewCluster(t, "relay-1", "till-3")

	ev := c.Append(ctx, "till-3", "order-1", event.TypeAddItem, items("Roast Dinner", 1000, 1))
	assert.Equal(t, event.StatusPending, ev.Status)
	require.NotEmpty(t, ev.OutboxID)

	rejections := c.SyncClient(ctx, "till-3")
	assert.Empty(t, rejections)

	// Client side: event acked, outbox synced.
	acked, err := c.Client("till-3").Store.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusAcked, acked.Status)
	assert.NotNil(t, acked.AckedAt)

	ob, err := c.Client("till-3").Store.GetOutbox(ctx, ev.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, store.ContainerSynced, ob.Status)

	// Relay side: journaled and projected.
	relayCopy, err := c.Relay.Store.FindEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusAcked, relayCopy.Status)
	assert.NotEmpty(t, relayCopy.JournalID)
	assert.Equal(t, "till-3", relayCopy.DeviceID)

	o := c.Order(ctx, "relay-1", "order-1")
	assert.Equal(t, order.StatusOpen, o.Status)
	assert.Equal(t, int64(1000), o.SubtotalCents)
}

// A broadcast event lands identically on every other client.
func TestSync_BroadcastConvergesAllClients(t *testing.T) {
	ctx := context.Background()
	c := NewCluster(t, "relay-1", "till-3", "till-4", "till-5")

	ev := c.Append(ctx, "till-3", "order-1", event.TypeAddItem, items("Roast Dinner", 1000, 1))
	rejections := c.SyncClient(ctx, "till-3")
	require.Empty(t, rejections)

	relayOrder := c.Order(ctx, "relay-1", "order-1")
	for _, deviceID := range []string{"till-4", "till-5"} {
		o := c.Order(ctx, deviceID, "order-1")
		assert.Equal(t, relayOrder.SubtotalCents, o.SubtotalCents, deviceID)
		assert.Equal(t, relayOrder.TotalCents, o.TotalCents, deviceID)
		assert.Equal(t, relayOrder.Status, o.Status, deviceID)

		// Broadcast events journal on the receiver, keeping the origin's
		// provenance.
		got, err := c.Client(deviceID).Store.FindEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, "till-3", got.DeviceID, deviceID)
		assert.Equal(t, event.StatusAcked, got.Status, deviceID)
		j, err := c.Client(deviceID).Store.GetJournal(ctx, got.JournalID)
		require.NoError(t, err)
		assert.Equal(t, store.SourceRelay, j.Source, deviceID)
	}

	// The origin never sees its own event twice.
	evs, err := c.Client("till-3").Store.ListByEntity(ctx, event.EntityOrder, "order-1")
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

// Discount then close: the financial identity holds and terminal state
// propagates everywhere.
func TestSync_DiscountThenClose(t *testing.T) {
	ctx := context.Background()
	c := NewCluster(t, "relay-1", "till-3", "till-4")

	tax, tronc := int64(100), int64(120)
	payload := items("Roast Dinner", 1000, 1)
	payload.TaxCents = &tax
	payload.TroncCents = &tronc
	c.Append(ctx, "till-3", "order-1", event.TypeAddItem, payload)
	c.Append(ctx, "till-3", "order-1", event.TypeApplyDiscount, event.DiscountPayload{DiscountCents: 200})
	require.Empty(t, c.SyncClient(ctx, "till-3"))

	o := c.Order(ctx, "relay-1", "order-1")
	assert.Equal(t, int64(1000-200+100+120), o.TotalCents)

	c.Append(ctx, "till-4", "order-1", event.TypeCloseCheck, event.EmptyPayload{})
	require.Empty(t, c.SyncClient(ctx, "till-4"))

	for _, deviceID := range []string{"relay-1", "till-3", "till-4"} {
		o := c.Order(ctx, deviceID, "order-1")
		assert.Equal(t, order.StatusClosed, o.Status, deviceID)
		assert.NotNil(t, o.ClosedAt, deviceID)
		assert.Equal(t, int64(1020), o.TotalCents, deviceID)
	}
}

// A rejected event is marked with the relay's error and blocks its outbox
// from ever completing; the venue keeps running.
//
// The divergence: two tills open the same order id while offline, till-3
// also closes it. Once till-3 syncs, till-4's own add_item arrives at a
// relay that already considers the order closed.
func TestSync_RejectionMarksEventAndBlocksOutbox(t *testing.T) {
	ctx := context.Background()
	c := NewCluster(t, "relay-1", "till-3", "till-4")

	staleEv := c.Append(ctx, "till-4", "order-7", event.TypeAddItem, items("Pint", 600, 1))

	c.Append(ctx, "till-3", "order-7", event.TypeAddItem, items("Pint", 600, 2))
	c.Append(ctx, "till-3", "order-7", event.TypeCloseCheck, event.EmptyPayload{})
	require.Empty(t, c.SyncClient(ctx, "till-3"))

	rejections := c.SyncClient(ctx, "till-4")
	require.Len(t, rejections, 1)
	assert.Equal(t, staleEv.ID, rejections[0].EventID)
	assert.NotEmpty(t, rejections[0].ErrorMessage)

	// The origin marks the event rejected with the relay's error.
	stored, err := c.Client("till-4").Store.FindEvent(ctx, staleEv.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusRejected, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	// Its outbox can never complete.
	ob, err := c.Client("till-4").Store.GetOutbox(ctx, staleEv.OutboxID)
	require.NoError(t, err)
	assert.NotEqual(t, store.ContainerSynced, ob.Status)

	// Rejected events are not retried.
	pending, err := c.Client("till-4").Store.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The relay never journaled the rejected event and its order stayed
	// closed with till-3's items.
	has, err := c.Relay.Store.HasEvent(ctx, staleEv.ID)
	require.NoError(t, err)
	assert.False(t, has)
	o := c.Order(ctx, "relay-1", "order-7")
	assert.Equal(t, order.StatusClosed, o.Status)
	assert.Equal(t, int64(1200), o.SubtotalCents)

	// New orders from till-4 still flow after the rejection.
	c.Append(ctx, "till-4", "order-8", event.TypeAddItem, items("Stout", 650, 1))
	require.Empty(t, c.SyncClient(ctx, "till-4"))
	assert.Equal(t, int64(650), c.Order(ctx, "relay-1", "order-8").SubtotalCents)
}
