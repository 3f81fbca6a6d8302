package protocol

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/store"
)

// ClientService drives the originating side of the sync protocol: it turns
// pending outbox events into sync messages, applies the relay's
// confirmations, and records relay broadcasts of other devices' events.
type ClientService struct {
	store    *store.Store
	identity event.Identity
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewClientService constructs the client-side sync handler.
func NewClientService(st *store.Store, identity event.Identity, log *zap.SugaredLogger) *ClientService {
	return &ClientService{store: st, identity: identity, log: log, now: time.Now}
}

// PendingEnvelopes returns one sync envelope per pending outbox event,
// oldest sequence first (the in-order delivery the relay expects), and
// flags each touched outbox as syncing.
//
// Rejected events are deliberately not re-sent: a rejection is
// operator-visible and blocks its outbox until resolved.
func (c *ClientService) PendingEnvelopes(ctx context.Context) ([]Envelope, error) {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect pending events: %w", err)
	}

	envelopes := make([]Envelope, 0, len(pending))
	outboxes := map[string]bool{}
	for _, ev := range pending {
		env, err := NewEnvelope(KindSync, c.identity, c.now(), SyncDataFor(ev))
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
		if ev.OutboxID != "" && !outboxes[ev.OutboxID] {
			outboxes[ev.OutboxID] = true
			if err := c.store.MarkOutboxSyncing(ctx, ev.OutboxID); err != nil {
				return nil, err
			}
		}
	}
	return envelopes, nil
}

// OnApplied handles the relay's confirmation: named events flip to acked
// (stamping ackedAt) and their outboxes complete when every member is
// acked. This is the only path that marks a client outbox synced.
//
// Rejected events are marked rejected with the relay's error message; their
// outbox can never complete until an operator intervenes.
func (c *ClientService) OnApplied(ctx context.Context, env Envelope) error {
	data, err := DecodeData[AppliedData](env)
	if err != nil {
		return err
	}

	if err := c.store.ConfirmApplied(ctx, data.AppliedEventIDs); err != nil {
		return fmt.Errorf("confirm applied events: %w", err)
	}

	for _, rej := range data.Rejected {
		c.log.Errorw("relay rejected event",
			"eventId", rej.EventID, "error", rej.ErrorMessage)
		if err := c.store.UpdateEventStatus(ctx, rej.EventID, event.StatusRejected, rej.ErrorMessage); err != nil {
			return fmt.Errorf("mark event rejected: %w", err)
		}
	}
	return nil
}

// OnBroadcastReceived records a relay broadcast of another device's event:
// straight into this device's journal as acked (never the outbox; this
// device did not originate it), folded into the projected order, with the
// Lamport clock advanced past the received value. Duplicate deliveries are
// skipped and still acknowledged as processed.
func (c *ClientService) OnBroadcastReceived(ctx context.Context, env Envelope) (Envelope, error) {
	data, err := DecodeData[BroadcastData](env)
	if err != nil {
		return Envelope{}, err
	}

	result := ProcessedData{EventID: data.EventID, Success: true}

	remote := EventFromBroadcast(data, env)
	if !remote.Replicated(c.identity.DeviceID) {
		// The relay excludes the origin from fan-out; seeing our own event
		// back means a stale peer registry. Nothing to record.
		c.log.Debugw("own event echoed back, skipping", "eventId", data.EventID)
	} else {
		inserted, err := c.store.RecordReplicated(ctx, c.identity, remote, store.SourceRelay)
		if err != nil {
			c.log.Errorw("failed to apply broadcast",
				"eventId", data.EventID, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else if !inserted {
			c.log.Debugw("duplicate broadcast delivery skipped", "eventId", data.EventID)
		}
	}

	return NewEnvelope(KindProcessed, c.identity, c.now(), result)
}

// JoinEnvelope builds the join message sent immediately after connecting.
func (c *ClientService) JoinEnvelope() (Envelope, error) {
	return NewEnvelope(KindJoin, c.identity, c.now(), JoinData{
		DeviceInfo: DeviceInfo{
			DeviceID: c.identity.DeviceID,
			UserID:   c.identity.UserID,
			VenueID:  c.identity.VenueID,
		},
	})
}
