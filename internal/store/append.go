package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/order"
)

// AppendParams describes one local mutation to be recorded as an event.
type AppendParams struct {
	Entity   string
	EntityID string
	Type     event.Type
	Payload  event.Payload
}

// AppendLocal records a locally originated mutation as one atomic unit:
// allocate sequence and lamport clock, create the event, fold it into the
// projected order, and attach it to today's container.
//
// On a client the event lands in the outbox as pending; on the relay it
// lands directly in the journal as acked (the relay is the authority, its
// own events need no further confirmation).
//
// The entire unit runs in a single transaction: a failed projection leaves
// no half-written event behind, and two concurrent local mutations can
// never observe the same sequence.
func (s *Store) AppendLocal(ctx context.Context, identity event.Identity, asRelay bool, p AppendParams) (event.Event, error) {
	if err := identity.Validate(); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	payload, err := event.EncodePayload(p.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&maxSeq); err != nil {
		return event.Event{}, fmt.Errorf("append event: read max sequence: %w", err)
	}

	now := s.now()
	ev := event.Event{
		ID:           s.ids.NewID(),
		Sequence:     maxSeq + 1,
		LamportClock: s.clock.Tick(),
		Entity:       p.Entity,
		EntityID:     p.EntityID,
		Type:         p.Type,
		Payload:      payload,
		DeviceID:     identity.DeviceID,
		RelayID:      identity.RelayID,
		UserID:       identity.UserID,
		VenueID:      identity.VenueID,
		Status:       event.StatusPending,
		CreatedAt:    now,
	}

	if asRelay {
		j, err := s.getOrCreateJournalTx(tx, identity, SourceLocal)
		if err != nil {
			return event.Event{}, fmt.Errorf("append event: %w", err)
		}
		ev.JournalID = j.ID
		ev.Status = event.StatusAcked
		ev.AckedAt = &now
	} else {
		ob, err := s.getOrCreateOutboxTx(tx, identity)
		if err != nil {
			return event.Event{}, fmt.Errorf("append event: %w", err)
		}
		ev.OutboxID = ob.ID
	}

	applied, err := s.projectTx(tx, ev)
	if err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}
	if applied {
		ev.AppliedAt = &now
	}

	if _, err := insertEventTx(tx, ev); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	if err := s.touchContainerTx(tx, ev); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("append event: commit: %w", err)
	}

	if applied {
		s.notifier.publish(Change{Entity: ev.Entity, ID: ev.EntityID})
	}
	return ev, nil
}

// RecordReplicated stores an event that arrived from a peer: on the relay,
// a client's sync; on a client, a relay broadcast. The event goes straight
// into today's journal as acked (never the outbox; this device did not
// originate it) and is folded into the projected order.
//
// Idempotent: a duplicate delivery (id already stored) returns
// inserted=false and performs no projection, so replaying the same sync or
// broadcast twice yields exactly one stored event and one order mutation.
//
// On success the local Lamport clock advances past the event's clock value
// so subsequently created local events causally follow it.
func (s *Store) RecordReplicated(ctx context.Context, identity event.Identity, remote event.Event, source string) (inserted bool, err error) {
	if err := identity.Validate(); err != nil {
		return false, fmt.Errorf("record replicated event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("record replicated event: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.getOrCreateJournalTx(tx, identity, source)
	if err != nil {
		return false, fmt.Errorf("record replicated event: %w", err)
	}

	now := s.now()
	ev := remote
	ev.OutboxID = ""
	ev.JournalID = j.ID
	ev.Status = event.StatusAcked
	ev.ErrorMessage = ""
	if ev.AckedAt == nil {
		ev.AckedAt = &now
	}
	if ev.RelayID == "" {
		ev.RelayID = identity.RelayID
	}

	// Duplicate-delivery check comes first: projecting an already-applied
	// event against state that includes it would fail preconditions (e.g.
	// re-closing a closed order) instead of skipping.
	inserted, err = insertEventTx(tx, ev)
	if err != nil {
		return false, fmt.Errorf("record replicated event: %w", err)
	}
	if !inserted {
		return false, nil
	}

	applied, err := s.projectTx(tx, ev)
	if err != nil {
		return false, fmt.Errorf("record replicated event: %w", err)
	}
	if applied {
		ev.AppliedAt = &now
		if _, err := tx.Exec(`UPDATE events SET applied_at = ? WHERE id = ?`,
			timeToDB(now), ev.ID); err != nil {
			return false, fmt.Errorf("record replicated event: stamp applied: %w", err)
		}
	}

	if err := s.touchContainerTx(tx, ev); err != nil {
		return false, fmt.Errorf("record replicated event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("record replicated event: commit: %w", err)
	}

	s.clock.Observe(ev.LamportClock)
	if applied {
		s.notifier.publish(Change{Entity: ev.Entity, ID: ev.EntityID})
	}
	return true, nil
}

// projectTx folds one event into the projected order state. Returns whether
// the projection had an effect: unhandled entity/event types are logged and
// ignored so mixed software versions interoperate, while real application
// failures abort the transaction.
func (s *Store) projectTx(tx *sql.Tx, ev event.Event) (applied bool, err error) {
	prev, err := getOrderTx(tx, ev.EntityID)
	if err != nil {
		return false, err
	}

	next, err := order.Apply(prev, ev, s.now())
	if errors.Is(err, order.ErrUnhandled) {
		s.log.Warnw("ignoring event with unhandled entity or type",
			"eventId", ev.ID, "entity", ev.Entity, "type", ev.Type)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("project event %s: %w", ev.ID, err)
	}

	if err := upsertOrderTx(tx, next); err != nil {
		return false, err
	}
	return true, nil
}

// touchContainerTx updates the owning container after an event is attached:
// records the latest member sequence, reopens a synced container that
// received a late event (anomaly, logged), and re-derives journal
// completion for acked members.
func (s *Store) touchContainerTx(tx *sql.Tx, ev event.Event) error {
	switch {
	case ev.OutboxID != "":
		res, err := tx.Exec(`
			UPDATE outboxes
			SET sequence = ?, status = 'pending', synced_at = NULL
			WHERE id = ? AND status = 'synced'
		`, ev.Sequence, ev.OutboxID)
		if err != nil {
			return fmt.Errorf("touch outbox: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			s.log.Warnw("event appended to synced outbox", "outboxId", ev.OutboxID, "eventId", ev.ID)
		} else if _, err := tx.Exec(`
			UPDATE outboxes SET sequence = ? WHERE id = ?
		`, ev.Sequence, ev.OutboxID); err != nil {
			return fmt.Errorf("touch outbox: %w", err)
		}
		return nil

	case ev.JournalID != "":
		if _, err := tx.Exec(`
			UPDATE journals SET sequence = ? WHERE id = ?
		`, ev.Sequence, ev.JournalID); err != nil {
			return fmt.Errorf("touch journal: %w", err)
		}
		// Journal members are acked on insertion: completion can flip here.
		return s.recomputeContainerTx(tx, "journals", ev.JournalID)
	}
	return nil
}
