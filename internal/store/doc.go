// Package store provides SQLite-backed durable storage for the device's
// sync state: the append-only event log, the daily outbox/journal
// containers, and the projected orders.
//
// # Invariants
//
// Single-writer atomicity:
//   - Every local mutation runs as one transaction covering sequence and
//     lamport allocation, event creation, order projection, and container
//     attachment. No partial event/order pair is ever visible.
//
// Logical identity and time:
//   - All cross-device ordering uses sequence and lamport_clock integers,
//     NEVER timestamps. Stored times are informational.
//
// Idempotent replication:
//   - events.id is the primary key; replicated inserts use
//     ON CONFLICT(id) DO NOTHING, so duplicate delivery of a sync or
//     broadcast stores exactly one event and mutates the order exactly once.
//
// Container completion:
//   - An outbox/journal is synced exactly when every member event is acked.
//     Completion is recomputed from membership on every confirmation, never
//     cached.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: container deletion cascades to member events
package store
