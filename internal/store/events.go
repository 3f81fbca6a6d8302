package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tillworks/tillsync/internal/event"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const eventColumns = `id, sequence, lamport_clock, entity, entity_id, type, payload,
	device_id, relay_id, user_id, venue_id, status, applied_at, acked_at,
	error_message, outbox_id, journal_id, created_at`

// FindEvent returns the event with the given id, or ErrNotFound.
func (s *Store) FindEvent(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id = ?
	`, id)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("find event: %w", err)
	}
	return ev, nil
}

// HasEvent reports whether an event with the given id exists locally.
// Used for duplicate-delivery checks before recording replicated events.
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return count > 0, nil
}

// ListByEntity returns all events targeting one entity, newest first.
// Ordering is deterministic: ORDER BY sequence DESC, id COLLATE BINARY DESC.
func (s *Store) ListByEntity(ctx context.Context, entity, entityID string) ([]event.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE entity = ? AND entity_id = ?
		ORDER BY sequence DESC, id COLLATE BINARY DESC
	`, entity, entityID)
}

// ListByStatus returns all events in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status event.Status) ([]event.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = ?
		ORDER BY sequence ASC, id COLLATE BINARY ASC
	`, string(status))
}

// ListPending returns pending outbox events oldest-sequence-first, the
// delivery order the client sends them to the relay in.
func (s *Store) ListPending(ctx context.Context) ([]event.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = 'pending' AND outbox_id IS NOT NULL
		ORDER BY sequence ASC, id COLLATE BINARY ASC
	`)
}

// ListByContainer returns the member events of one outbox or journal.
func (s *Store) ListByContainer(ctx context.Context, containerID string) ([]event.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE outbox_id = ? OR journal_id = ?
		ORDER BY sequence ASC, id COLLATE BINARY ASC
	`, containerID, containerID)
}

// UpdateEventStatus transitions an event's sync status. Acked events are
// stamped with ackedAt; rejected events record the error message. The
// event's payload, sequence and clocks are immutable and never touched.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status event.Status, errorMessage string) error {
	var res sql.Result
	var err error
	switch status {
	case event.StatusAcked:
		res, err = s.db.ExecContext(ctx, `
			UPDATE events
			SET status = 'acked', acked_at = ?, error_message = ''
			WHERE id = ?
		`, timeToDB(s.now()), id)
	case event.StatusRejected:
		res, err = s.db.ExecContext(ctx, `
			UPDATE events
			SET status = 'rejected', error_message = ?
			WHERE id = ?
		`, errorMessage, id)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE events
			SET status = ?, error_message = ?
			WHERE id = ?
		`, string(status), errorMessage, id)
	}
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event status: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	// Return empty slice instead of nil.
	events := []event.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// insertEventTx writes an event inside an open transaction.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: replicated deliveries
// carrying an id that already exists locally are silently skipped, and the
// return value tells the caller whether this delivery was the first.
func insertEventTx(tx *sql.Tx, ev event.Event) (inserted bool, err error) {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := tx.Exec(`
		INSERT INTO events
		(`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Sequence,
		ev.LamportClock,
		ev.Entity,
		ev.EntityID,
		string(ev.Type),
		payload,
		ev.DeviceID,
		ev.RelayID,
		ev.UserID,
		ev.VenueID,
		string(ev.Status),
		nullTimeToDB(ev.AppliedAt),
		nullTimeToDB(ev.AckedAt),
		ev.ErrorMessage,
		nullString(ev.OutboxID),
		nullString(ev.JournalID),
		timeToDB(ev.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: rows affected: %w", err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		ev                 event.Event
		evType, status     string
		payload            string
		appliedAt, ackedAt sql.NullString
		outboxID           sql.NullString
		journalID          sql.NullString
		createdAt          string
	)
	err := row.Scan(
		&ev.ID,
		&ev.Sequence,
		&ev.LamportClock,
		&ev.Entity,
		&ev.EntityID,
		&evType,
		&payload,
		&ev.DeviceID,
		&ev.RelayID,
		&ev.UserID,
		&ev.VenueID,
		&status,
		&appliedAt,
		&ackedAt,
		&ev.ErrorMessage,
		&outboxID,
		&journalID,
		&createdAt,
	)
	if err != nil {
		return event.Event{}, err
	}

	ev.Type = event.Type(evType)
	ev.Status = event.Status(status)
	ev.Payload = json.RawMessage(payload)
	ev.OutboxID = outboxID.String
	ev.JournalID = journalID.String

	if ev.AppliedAt, err = nullTimeFromDB(appliedAt); err != nil {
		return event.Event{}, err
	}
	if ev.AckedAt, err = nullTimeFromDB(ackedAt); err != nil {
		return event.Event{}, err
	}
	if ev.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
