package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/tillsync/internal/event"
)

// ContainerStatus is the aggregate sync state of a daily outbox or journal.
type ContainerStatus string

const (
	// ContainerPending means the container holds events not yet delivered.
	ContainerPending ContainerStatus = "pending"
	// ContainerSyncing means a send attempt is in flight.
	ContainerSyncing ContainerStatus = "syncing"
	// ContainerSynced means every member event is acked.
	ContainerSynced ContainerStatus = "synced"
)

// Journal batch provenance.
const (
	SourceLocal = "local"
	SourceRelay = "relay"
	SourceCloud = "cloud"
)

// Outbox is one calendar day's batch of locally originated events awaiting
// delivery to the relay. At most one exists per date per device.
type Outbox struct {
	ID        string
	Date      string // YYYY-MM-DD, device-local timezone
	Status    ContainerStatus
	Sequence  int64
	DeviceID  string
	VenueID   string
	SyncedAt  *time.Time
	CreatedAt time.Time
}

// Journal is one calendar day's record of events this device considers
// durably applied. Journal members are always acked on insertion.
type Journal struct {
	ID        string
	Date      string
	Status    ContainerStatus
	Sequence  int64
	DeviceID  string
	VenueID   string
	Source    string
	SyncedAt  *time.Time
	CreatedAt time.Time
}

// today computes the container date in the device-local timezone at the
// moment of call.
func (s *Store) today() string {
	return s.now().Format("2006-01-02")
}

// GetOrCreateTodaysOutbox returns today's outbox for this device, creating
// it if this is the first event of the day. Idempotent per calendar day:
// the UNIQUE(date, device_id) constraint resolves a creation race to the
// first committed writer, and later callers find-and-reuse that row.
func (s *Store) GetOrCreateTodaysOutbox(ctx context.Context, identity event.Identity) (Outbox, error) {
	if err := identity.Validate(); err != nil {
		return Outbox{}, fmt.Errorf("get or create outbox: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outbox{}, fmt.Errorf("get or create outbox: begin tx: %w", err)
	}
	defer tx.Rollback()

	ob, err := s.getOrCreateOutboxTx(tx, identity)
	if err != nil {
		return Outbox{}, err
	}

	if err := tx.Commit(); err != nil {
		return Outbox{}, fmt.Errorf("get or create outbox: commit: %w", err)
	}
	return ob, nil
}

// GetOrCreateTodaysJournal is the journal counterpart of
// GetOrCreateTodaysOutbox. source records the provenance of the day's batch
// and is only set on creation.
func (s *Store) GetOrCreateTodaysJournal(ctx context.Context, identity event.Identity, source string) (Journal, error) {
	if err := identity.Validate(); err != nil {
		return Journal{}, fmt.Errorf("get or create journal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Journal{}, fmt.Errorf("get or create journal: begin tx: %w", err)
	}
	defer tx.Rollback()

	j, err := s.getOrCreateJournalTx(tx, identity, source)
	if err != nil {
		return Journal{}, err
	}

	if err := tx.Commit(); err != nil {
		return Journal{}, fmt.Errorf("get or create journal: commit: %w", err)
	}
	return j, nil
}

func (s *Store) getOrCreateOutboxTx(tx *sql.Tx, identity event.Identity) (Outbox, error) {
	date := s.today()
	_, err := tx.Exec(`
		INSERT INTO outboxes (id, date, status, device_id, venue_id, created_at)
		VALUES (?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(date, device_id) DO NOTHING
	`, s.ids.NewID(), date, identity.DeviceID, identity.VenueID, timeToDB(s.now()))
	if err != nil {
		return Outbox{}, fmt.Errorf("create outbox: %w", err)
	}

	return scanOutboxRow(tx.QueryRow(`
		SELECT id, date, status, sequence, device_id, venue_id, synced_at, created_at
		FROM outboxes
		WHERE date = ? AND device_id = ?
	`, date, identity.DeviceID))
}

func (s *Store) getOrCreateJournalTx(tx *sql.Tx, identity event.Identity, source string) (Journal, error) {
	date := s.today()
	_, err := tx.Exec(`
		INSERT INTO journals (id, date, status, device_id, venue_id, source, created_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?)
		ON CONFLICT(date, device_id) DO NOTHING
	`, s.ids.NewID(), date, identity.DeviceID, identity.VenueID, source, timeToDB(s.now()))
	if err != nil {
		return Journal{}, fmt.Errorf("create journal: %w", err)
	}

	return scanJournalRow(tx.QueryRow(`
		SELECT id, date, status, sequence, device_id, venue_id, source, synced_at, created_at
		FROM journals
		WHERE date = ? AND device_id = ?
	`, date, identity.DeviceID))
}

// MarkOutboxSyncing flags a send attempt in flight. Already-synced outboxes
// are left alone.
func (s *Store) MarkOutboxSyncing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outboxes SET status = 'syncing'
		WHERE id = ? AND status <> 'synced'
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox syncing: %w", err)
	}
	return nil
}

// ConfirmApplied marks the named events acked, then re-evaluates every
// outbox and journal those events belong to: a container whose members are
// now all acked flips to synced and is stamped with syncedAt.
//
// Completion is recomputed from current membership on every call, never
// cached, so arbitrary subsets of acked ids preserve the completion
// invariant: an outbox is synced exactly when all of its events are acked.
func (s *Store) ConfirmApplied(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("confirm applied: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := timeToDB(s.now())
	outboxes := map[string]bool{}
	journals := map[string]bool{}

	for _, id := range eventIDs {
		if _, err := tx.Exec(`
			UPDATE events
			SET status = 'acked', acked_at = ?, error_message = ''
			WHERE id = ? AND status <> 'acked'
		`, now, id); err != nil {
			return fmt.Errorf("confirm applied: ack event %s: %w", id, err)
		}

		var outboxID, journalID sql.NullString
		err := tx.QueryRow(`SELECT outbox_id, journal_id FROM events WHERE id = ?`, id).
			Scan(&outboxID, &journalID)
		if errors.Is(err, sql.ErrNoRows) {
			// Ack for an event this device never stored. Nothing to flip.
			continue
		}
		if err != nil {
			return fmt.Errorf("confirm applied: lookup event %s: %w", id, err)
		}
		if outboxID.Valid {
			outboxes[outboxID.String] = true
		}
		if journalID.Valid {
			journals[journalID.String] = true
		}
	}

	for id := range outboxes {
		if err := s.recomputeContainerTx(tx, "outboxes", id); err != nil {
			return err
		}
	}
	for id := range journals {
		if err := s.recomputeContainerTx(tx, "journals", id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("confirm applied: commit: %w", err)
	}
	return nil
}

// recomputeContainerTx re-derives a container's aggregate status from its
// current membership. table is "outboxes" or "journals" (trusted input,
// never user data).
func (s *Store) recomputeContainerTx(tx *sql.Tx, table, id string) error {
	column := "outbox_id"
	if table == "journals" {
		column = "journal_id"
	}

	var notAcked int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM events WHERE `+column+` = ? AND status <> 'acked'
	`, id).Scan(&notAcked)
	if err != nil {
		return fmt.Errorf("recompute %s %s: %w", table, id, err)
	}

	if notAcked == 0 {
		_, err = tx.Exec(`
			UPDATE `+table+` SET status = 'synced', synced_at = ?
			WHERE id = ? AND status <> 'synced'
		`, timeToDB(s.now()), id)
		if err != nil {
			return fmt.Errorf("recompute %s %s: mark synced: %w", table, id, err)
		}
		return nil
	}

	// A synced container with un-acked members means an event was appended
	// after completion. Reopen it and flag the anomaly.
	res, err := tx.Exec(`
		UPDATE `+table+` SET status = 'pending', synced_at = NULL
		WHERE id = ? AND status = 'synced'
	`, id)
	if err != nil {
		return fmt.Errorf("recompute %s %s: reopen: %w", table, id, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		s.log.Warnw("synced container reopened by un-acked member",
			"table", table, "id", id, "notAcked", notAcked)
	}
	return nil
}

// CleanupContainers deletes fully-synced outboxes and journals whose date
// is older than daysOld days. Member events are removed by the foreign-key
// cascade. Returns the number of containers deleted.
func (s *Store) CleanupContainers(ctx context.Context, daysOld int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -daysOld).Format("2006-01-02")

	var removed int64
	for _, table := range []string{"outboxes", "journals"} {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM `+table+` WHERE status = 'synced' AND date < ?
		`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: rows affected: %w", table, err)
		}
		removed += n
	}
	return removed, nil
}

// GetOutbox returns one outbox by id, or ErrNotFound.
func (s *Store) GetOutbox(ctx context.Context, id string) (Outbox, error) {
	ob, err := scanOutboxRow(s.db.QueryRowContext(ctx, `
		SELECT id, date, status, sequence, device_id, venue_id, synced_at, created_at
		FROM outboxes
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Outbox{}, fmt.Errorf("outbox %s: %w", id, ErrNotFound)
	}
	return ob, err
}

// GetJournal returns one journal by id, or ErrNotFound.
func (s *Store) GetJournal(ctx context.Context, id string) (Journal, error) {
	j, err := scanJournalRow(s.db.QueryRowContext(ctx, `
		SELECT id, date, status, sequence, device_id, venue_id, source, synced_at, created_at
		FROM journals
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Journal{}, fmt.Errorf("journal %s: %w", id, ErrNotFound)
	}
	return j, err
}

// ListOutboxes returns all outboxes, newest date first.
func (s *Store) ListOutboxes(ctx context.Context) ([]Outbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date, status, sequence, device_id, venue_id, synced_at, created_at
		FROM outboxes
		ORDER BY date DESC, device_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list outboxes: %w", err)
	}
	defer rows.Close()

	outboxes := []Outbox{}
	for rows.Next() {
		ob, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		outboxes = append(outboxes, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outboxes: %w", err)
	}
	return outboxes, nil
}

// ListJournals returns all journals, newest date first.
func (s *Store) ListJournals(ctx context.Context) ([]Journal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, date, status, sequence, device_id, venue_id, source, synced_at, created_at
		FROM journals
		ORDER BY date DESC, device_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list journals: %w", err)
	}
	defer rows.Close()

	journals := []Journal{}
	for rows.Next() {
		j, err := scanJournalRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		journals = append(journals, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journals: %w", err)
	}
	return journals, nil
}

func scanOutboxRow(row rowScanner) (Outbox, error) {
	var (
		ob        Outbox
		status    string
		syncedAt  sql.NullString
		createdAt string
	)
	err := row.Scan(&ob.ID, &ob.Date, &status, &ob.Sequence, &ob.DeviceID, &ob.VenueID, &syncedAt, &createdAt)
	if err != nil {
		return Outbox{}, err
	}
	ob.Status = ContainerStatus(status)
	if ob.SyncedAt, err = nullTimeFromDB(syncedAt); err != nil {
		return Outbox{}, err
	}
	if ob.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return Outbox{}, err
	}
	return ob, nil
}

func scanJournalRow(row rowScanner) (Journal, error) {
	var (
		j         Journal
		status    string
		syncedAt  sql.NullString
		createdAt string
	)
	err := row.Scan(&j.ID, &j.Date, &status, &j.Sequence, &j.DeviceID, &j.VenueID, &j.Source, &syncedAt, &createdAt)
	if err != nil {
		return Journal{}, err
	}
	j.Status = ContainerStatus(status)
	if j.SyncedAt, err = nullTimeFromDB(syncedAt); err != nil {
		return Journal{}, err
	}
	if j.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return Journal{}, err
	}
	return j, nil
}
