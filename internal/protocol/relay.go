package protocol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tillworks/tillsync/internal/event"
	"github.com/tillworks/tillsync/internal/store"
)

// RelayService applies client syncs on the authoritative device.
//
// Every event a client delivers is recorded straight into the relay's own
// journal as acked (never an outbox; the relay is the authority, there is
// nowhere further to deliver to) and folded into the relay's projected
// order.
type RelayService struct {
	store    *store.Store
	identity event.Identity
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewRelayService constructs the relay-side sync handler.
func NewRelayService(st *store.Store, identity event.Identity, log *zap.SugaredLogger) *RelayService {
	return &RelayService{store: st, identity: identity, log: log, now: time.Now}
}

// OnEventReceived processes one sync message from a client.
//
// Returns the applied/rejected confirmation to send back to the origin,
// and, when this delivery was the first (not a duplicate), the journal
// event to broadcast to the other clients. broadcast is nil for duplicates:
// the original delivery already fanned out.
//
// A failure to apply is not silent: the offending event id and error ride
// back in the confirmation's rejected list so the origin marks the event
// rejected rather than losing it. One bad event never aborts the
// connection or the rest of the batch.
func (r *RelayService) OnEventReceived(ctx context.Context, env Envelope) (reply AppliedData, broadcast *event.Event, err error) {
	data, err := DecodeData[SyncData](env)
	if err != nil {
		return AppliedData{}, nil, err
	}

	remote := EventFromSync(data, env)
	inserted, err := r.store.RecordReplicated(ctx, r.identity, remote, store.SourceLocal)
	if err != nil {
		r.log.Errorw("failed to apply client event",
			"eventId", data.EventID, "device", env.DeviceID, "error", err)
		return AppliedData{
			Rejected: []Rejection{{EventID: data.EventID, ErrorMessage: err.Error()}},
		}, nil, nil
	}

	reply = AppliedData{AppliedEventIDs: []string{data.EventID}}
	if !inserted {
		r.log.Debugw("duplicate sync delivery skipped", "eventId", data.EventID)
		return reply, nil, nil
	}

	stored, err := r.store.FindEvent(ctx, data.EventID)
	if err != nil {
		return AppliedData{}, nil, err
	}
	return reply, &stored, nil
}

// AppliedEnvelope wraps a confirmation for the wire.
func (r *RelayService) AppliedEnvelope(data AppliedData) (Envelope, error) {
	return NewEnvelope(KindApplied, r.identity, r.now(), data)
}

// BroadcastEnvelope wraps a journal event for fan-out.
func (r *RelayService) BroadcastEnvelope(ev event.Event) (Envelope, error) {
	return NewEnvelope(KindBroadcast, r.identity, r.now(), BroadcastDataFor(ev))
}

// OnProcessed handles a client's broadcast acknowledgement. Failures are
// logged for the operator; the broadcast is not retried automatically.
func (r *RelayService) OnProcessed(env Envelope) {
	data, err := DecodeData[ProcessedData](env)
	if err != nil {
		r.log.Warnw("malformed processed reply", "device", env.DeviceID, "error", err)
		return
	}
	if !data.Success {
		r.log.Errorw("client failed to process broadcast",
			"eventId", data.EventID, "device", env.DeviceID, "error", data.Error)
		return
	}
	r.log.Debugw("broadcast processed", "eventId", data.EventID, "device", env.DeviceID)
}
