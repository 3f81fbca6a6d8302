package event

import (
	"errors"
	"fmt"
)

// ErrIdentityUnset is returned when event creation is attempted before the
// device/user/venue identity has been initialized. This is a precondition
// violation: provenance fields are mandatory on every event.
var ErrIdentityUnset = errors.New("identity not initialized")

// Identity is the provenance stamped onto every locally created event.
// All fields must be set before any event is created.
type Identity struct {
	DeviceID string
	UserID   string
	VenueID  string
	RelayID  string
}

// Validate reports ErrIdentityUnset if any provenance field is missing.
func (id Identity) Validate() error {
	switch {
	case id.DeviceID == "":
		return fmt.Errorf("deviceId: %w", ErrIdentityUnset)
	case id.UserID == "":
		return fmt.Errorf("userId: %w", ErrIdentityUnset)
	case id.VenueID == "":
		return fmt.Errorf("venueId: %w", ErrIdentityUnset)
	case id.RelayID == "":
		return fmt.Errorf("relayId: %w", ErrIdentityUnset)
	}
	return nil
}
