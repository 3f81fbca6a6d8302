package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tillworks/tillsync/internal/event"
)

// Kind is the message discriminant. The set is closed; peers must ignore
// kinds they do not recognize without dropping the connection, so newer
// devices can speak to older ones.
type Kind string

const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindHeartbeat Kind = "heartbeat"
	KindSync      Kind = "sync"
	KindApplied   Kind = "applied"
	KindAck       Kind = "ack"
	KindBroadcast Kind = "broadcast"
	KindProcessed Kind = "processed"
)

// Envelope is the outer frame of every peer message. The transport delivers
// one complete JSON envelope per message.
type Envelope struct {
	Type      Kind            `json:"type"`
	DeviceID  string          `json:"deviceId"`
	UserID    string          `json:"userId"`
	VenueID   string          `json:"venueId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeviceInfo identifies a peer inside a join message.
type DeviceInfo struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	VenueID  string `json:"venueId"`
}

// JoinData is sent by a client immediately after connecting.
type JoinData struct {
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// HeartbeatData is exchanged every heartbeat interval. Staleness is not
// acted on; disconnection comes from the transport's close/error signal.
type HeartbeatData struct {
	ConnectedClients int `json:"connectedClients"`
}

// SyncData carries one pending outbox event from a client to the relay.
type SyncData struct {
	EventID      string          `json:"eventId"`
	Sequence     int64           `json:"sequence"`
	Entity       string          `json:"entity"`
	EntityID     string          `json:"entityId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	LamportClock int64           `json:"lamportClock"`
	OutboxID     string          `json:"outboxId"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Rejection names one event the relay failed to apply, so the origin can
// mark it rejected instead of silently losing it.
type Rejection struct {
	EventID      string `json:"eventId"`
	ErrorMessage string `json:"errorMessage"`
}

// AppliedData is the relay's confirmation for a sync batch. Rejections ride
// in the same reply rather than a separate message kind, keeping the
// message set closed.
type AppliedData struct {
	AppliedEventIDs []string    `json:"appliedEventIds"`
	Rejected        []Rejection `json:"rejected,omitempty"`
}

// BroadcastData fans an acked journal event out to every client except the
// origin. The envelope sender is the relay, so the originating device's
// provenance rides inside the payload.
type BroadcastData struct {
	EventID        string          `json:"eventId"`
	Sequence       int64           `json:"sequence"`
	Entity         string          `json:"entity"`
	EntityID       string          `json:"entityId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	LamportClock   int64           `json:"lamportClock"`
	Status         string          `json:"status"`
	JournalID      string          `json:"journalId"`
	OriginDeviceID string          `json:"originDeviceId,omitempty"`
	OriginUserID   string          `json:"originUserId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	AckedAt        *time.Time      `json:"ackedAt,omitempty"`
}

// ProcessedData is a client's acknowledgement of a broadcast.
type ProcessedData struct {
	EventID string `json:"eventId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewEnvelope wraps typed message data in an envelope stamped with the
// sender's identity. data may be nil (leave carries no payload).
func NewEnvelope(kind Kind, identity event.Identity, timestamp time.Time, data any) (Envelope, error) {
	env := Envelope{
		Type:      kind,
		DeviceID:  identity.DeviceID,
		UserID:    identity.UserID,
		VenueID:   identity.VenueID,
		Timestamp: timestamp,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s data: %w", kind, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Encode serializes an envelope to a single JSON object.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses one complete message. Malformed input is an error
// for the caller to log; the connection stays open.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodeData parses an envelope's data payload into the given typed value.
func DecodeData[T any](env Envelope) (T, error) {
	var data T
	if len(env.Data) == 0 {
		return data, fmt.Errorf("decode %s data: empty", env.Type)
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return data, nil
}

// SyncDataFor builds the sync payload for one pending outbox event.
func SyncDataFor(ev event.Event) SyncData {
	return SyncData{
		EventID:      ev.ID,
		Sequence:     ev.Sequence,
		Entity:       ev.Entity,
		EntityID:     ev.EntityID,
		EventType:    string(ev.Type),
		Payload:      ev.Payload,
		LamportClock: ev.LamportClock,
		OutboxID:     ev.OutboxID,
		CreatedAt:    ev.CreatedAt,
	}
}

// BroadcastDataFor builds the broadcast payload for an acked journal event.
func BroadcastDataFor(ev event.Event) BroadcastData {
	return BroadcastData{
		EventID:        ev.ID,
		Sequence:       ev.Sequence,
		Entity:         ev.Entity,
		EntityID:       ev.EntityID,
		EventType:      string(ev.Type),
		Payload:        ev.Payload,
		LamportClock:   ev.LamportClock,
		Status:         string(ev.Status),
		JournalID:      ev.JournalID,
		OriginDeviceID: ev.DeviceID,
		OriginUserID:   ev.UserID,
		CreatedAt:      ev.CreatedAt,
		AckedAt:        ev.AckedAt,
	}
}

// EventFromSync reconstructs the replicated event the relay records into
// its journal. Provenance fields come from the envelope sender.
func EventFromSync(d SyncData, sender Envelope) event.Event {
	return event.Event{
		ID:           d.EventID,
		Sequence:     d.Sequence,
		LamportClock: d.LamportClock,
		Entity:       d.Entity,
		EntityID:     d.EntityID,
		Type:         event.Type(d.EventType),
		Payload:      d.Payload,
		DeviceID:     sender.DeviceID,
		UserID:       sender.UserID,
		VenueID:      sender.VenueID,
		CreatedAt:    d.CreatedAt,
	}
}

// EventFromBroadcast reconstructs the replicated event a client records
// from a relay broadcast. The sender envelope is the relay; origin
// provenance comes from the payload when present.
func EventFromBroadcast(d BroadcastData, sender Envelope) event.Event {
	deviceID, userID := d.OriginDeviceID, d.OriginUserID
	if deviceID == "" {
		deviceID = sender.DeviceID
	}
	if userID == "" {
		userID = sender.UserID
	}
	return event.Event{
		ID:           d.EventID,
		Sequence:     d.Sequence,
		LamportClock: d.LamportClock,
		Entity:       d.Entity,
		EntityID:     d.EntityID,
		Type:         event.Type(d.EventType),
		Payload:      d.Payload,
		DeviceID:     deviceID,
		UserID:       userID,
		VenueID:      sender.VenueID,
		RelayID:      sender.DeviceID,
		AckedAt:      d.AckedAt,
		CreatedAt:    d.CreatedAt,
	}
}
