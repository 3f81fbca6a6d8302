package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/clock"
	"github.com/tillworks/tillsync/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (events, outboxes, journals, orders)
const currentSchemaVersion = 1

// Store provides durable storage for the device's event log, daily
// outbox/journal containers, and projected orders.
// Uses SQLite with WAL mode for concurrent read access.
//
// The store is the single-writer transactional boundary required by the
// sync design: every "allocate sequence+clock → create event → project
// order → attach to container" unit runs as one SQLite transaction on a
// single connection, so two concurrent local mutations can never interleave.
type Store struct {
	db       *sql.DB
	clock    *clock.Lamport
	ids      event.IDGenerator
	now      func() time.Time
	log      *zap.SugaredLogger
	notifier *Notifier
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithIDGenerator overrides the id generator (tests use FixedGenerator).
func WithIDGenerator(g event.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithNow overrides the wall-clock source (tests use a fixed time).
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = log }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, then seeds the
// Lamport clock from the maximum lamportClock already in the log.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement (container deletion cascades to events)
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// gives us the serialized write transactions the sync core assumes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:       db,
		ids:      event.UUIDv7Generator{},
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
		notifier: newNotifier(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var maxLamport int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(lamport_clock), 0) FROM events`).Scan(&maxLamport); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed lamport clock: %w", err)
	}
	s.clock = clock.NewAt(maxLamport)

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock exposes the store's Lamport clock. The protocol engine reads it
// for diagnostics; advancement happens inside store transactions.
func (s *Store) Clock() *clock.Lamport {
	return s.clock
}

// Subscribe registers a post-commit change listener. See Notifier.
func (s *Store) Subscribe(fn func(Change)) {
	s.notifier.Subscribe(fn)
}

// Query executes a read-only query against the underlying database.
// Callers are responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// schema.sql always describes the current shape; migrations exist for
// databases created by earlier releases.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Incremental migrations slot in here as the schema evolves.
	_ = version

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// timeToDB formats a timestamp for storage. All stored times are UTC
// RFC 3339; ordering decisions never use them (see the lamport clock).
func timeToDB(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeFromDB(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTimeToDB(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToDB(*t)
}

func nullTimeFromDB(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := timeFromDB(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
