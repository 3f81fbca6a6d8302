package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/testutil"
)

var testStart = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testIdentity(deviceID string) event.Identity {
	return event.Identity{
		DeviceID: deviceID,
		UserID:   "user-" + deviceID,
		VenueID:  "venue-1",
		RelayID:  "relay-1",
	}
}

// createTestStore opens a deterministic file-backed store: fixed wall
// clock, sequential ids.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	wall := testutil.NewWallClock(testStart, time.Second)
	s, err := Open(path,
		WithLogger(zap.NewNop().Sugar()),
		WithNow(wall.Now),
		WithIDGenerator(event.NewFixedGenerator(testutil.EventIDs("test", 256)...)))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func itemsPayload(name string, unitPriceCents, quantity int64) event.ItemsPayload {
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

// appendAddItem records a basic add_item event on a client device.
func appendAddItem(t *testing.T, s *Store, deviceID, orderID string) event.Event {
	t.Helper()
	ev, err := s.AppendLocal(context.Background(), testIdentity(deviceID), false, AppendParams{
		Entity:   event.EntityOrder,
		EntityID: orderID,
		Type:     event.TypeAddItem,
		Payload:  itemsPayload("Flat White", 450, 2),
	})
	if err != nil {
		t.Fatalf("AppendLocal() failed: %v", err)
	}
	return ev
}

// remoteEvent builds an event as another device would deliver it over the
// wire.
func remoteEvent(id string, seq, lamport int64, deviceID, orderID string, typ event.Type, payload event.Payload) (event.Event, error) {
	raw, err := event.EncodePayload(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode payload: %w", err)
	}
	return event.Event{
		ID:           id,
		Sequence:     seq,
		LamportClock: lamport,
		Entity:       event.EntityOrder,
		EntityID:     orderID,
		Type:         typ,
		Payload:      raw,
		DeviceID:     deviceID,
		UserID:       "user-" + deviceID,
		VenueID:      "venue-1",
		Status:       event.StatusPending,
		CreatedAt:    testStart,
	}, nil
}
