// Package protocol implements the relay/client reconciliation exchange.
//
// Roles are static per process: one relay per venue (the authority) and any
// number of clients. The flow for one locally created event:
//
//  1. The client sends sync{event fields} for each pending outbox event,
//     oldest sequence first.
//  2. The relay records the event into its own journal as acked, folds it
//     into its projected order, and replies applied{appliedEventIds},
//     or names the event in the reply's rejected list if application
//     failed.
//  3. The client marks confirmed events acked; when every member of an
//     outbox is acked the outbox flips to synced. This reply is the only
//     mechanism that completes a client outbox.
//  4. The relay fans the event out as broadcast{...} to every other
//     connected client; each records it into its own journal, applies it,
//     advances its Lamport clock past the received value, and replies
//     processed{eventId, success}.
//
// Duplicate delivery at any step is a no-op by event id. Unknown message
// kinds are ignored without closing the connection.
//
// The engine is single-writer: transport goroutines enqueue decoded
// envelopes and one Run loop issues all resulting store transactions, the
// same serialization discipline the local mutation path uses.
package protocol
