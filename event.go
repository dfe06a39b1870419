package hearth

import (
	"encoding/json"
	"fmt"

	"github.com/hearth-im/hearth/spec"
)

// A KeyID is the ID of an ed25519 key used to sign JSON, of the form
// "ed25519:<opaque>".
type KeyID string

// HashValues carries the content hash of an event.
type HashValues struct {
	SHA256 spec.Base64Bytes `json:"sha256"`
}

// An Event is a single room event (PDU). It is immutable once admitted,
// except for the two admission flags set by the ingestion pipeline.
type Event struct {
	fields      eventFields
	eventJSON   []byte
	roomVersion RoomVersion

	// Admission flags. SoftFailed marks an event that failed the check
	// against the room's live state: stored, never propagated. Outlier
	// marks an event fetched only to satisfy an auth chain: never a
	// forward extremity and never folded into state.
	softFailed bool
	outlier    bool
}

type eventFields struct {
	EventID        string                                         `json:"event_id,omitempty"`
	RoomID         string                                         `json:"room_id"`
	Sender         string                                         `json:"sender"`
	Type           string                                         `json:"type"`
	StateKey       *string                                        `json:"state_key,omitempty"`
	Content        spec.RawJSON                                   `json:"content"`
	AuthEvents     []string                                       `json:"auth_events"`
	PrevEvents     []string                                       `json:"prev_events"`
	Depth          int64                                          `json:"depth"`
	OriginServerTS spec.Timestamp                                 `json:"origin_server_ts"`
	Hashes         *HashValues                                    `json:"hashes,omitempty"`
	Signatures     map[spec.ServerName]map[KeyID]spec.Base64Bytes `json:"signatures,omitempty"`
	Unsigned       spec.RawJSON                                   `json:"unsigned,omitempty"`
}

// NewEventFromUntrustedJSON parses an event received over federation. The
// JSON is canonicalised, the shape of the required fields is checked, and
// the event ID is recomputed from the reference hash. A supplied event_id
// that is hash-derived (no domain part) must match the recomputed one;
// domain-qualified IDs from older implementations are kept as opaque,
// shape-checked identifiers.
//
// Content hash and signature verification are separate, later steps: a
// parsed event is not yet trusted.
func NewEventFromUntrustedJSON(eventJSON []byte, roomVersion RoomVersion) (*Event, error) {
	if err := roomVersion.Supported(); err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(eventJSON)
	if err != nil {
		return nil, err
	}
	e := &Event{eventJSON: canonical, roomVersion: roomVersion}
	if err := json.Unmarshal(canonical, &e.fields); err != nil {
		return nil, spec.NewError(spec.KindValidation, "malformed event JSON: %s", err)
	}
	if err := e.checkFields(); err != nil {
		return nil, err
	}

	derivedID, err := EventIDFromJSON(canonical)
	if err != nil {
		return nil, err
	}
	switch {
	case e.fields.EventID == "":
		if err := e.setEventID(derivedID); err != nil {
			return nil, err
		}
	case !isDomainQualifiedEventID(e.fields.EventID) && e.fields.EventID != derivedID:
		return nil, spec.NewError(spec.KindValidation,
			"event ID %q does not match the reference hash %q", e.fields.EventID, derivedID)
	}
	return e, nil
}

// NewEventFromTrustedJSON loads an event that this server previously
// admitted and persisted. No checks are repeated.
func NewEventFromTrustedJSON(eventJSON []byte, roomVersion RoomVersion) (*Event, error) {
	e := &Event{eventJSON: eventJSON, roomVersion: roomVersion}
	if err := json.Unmarshal(eventJSON, &e.fields); err != nil {
		return nil, fmt.Errorf("hearth: corrupt trusted event JSON: %w", err)
	}
	return e, nil
}

// checkFields verifies the shape of the required fields, per stage 1 of
// the admission pipeline.
func (e *Event) checkFields() error {
	f := &e.fields
	if f.Type == "" {
		return spec.NewError(spec.KindValidation, "missing type")
	}
	if !spec.ValidRoomID(f.RoomID) {
		return spec.NewError(spec.KindValidation, "invalid room_id %q", f.RoomID)
	}
	if !spec.ValidUserID(f.Sender) {
		return spec.NewError(spec.KindValidation, "invalid sender %q", f.Sender)
	}
	if f.EventID != "" && !spec.ValidEventID(f.EventID) {
		return spec.NewError(spec.KindValidation, "invalid event_id %q", f.EventID)
	}
	if f.Depth < 1 {
		return spec.NewError(spec.KindValidation, "depth %d below 1", f.Depth)
	}
	if f.Type == spec.MRoomCreate && len(f.PrevEvents) != 0 {
		return spec.NewError(spec.KindValidation, "m.room.create must have empty prev_events")
	}
	return nil
}

// setEventID splices the derived event ID into the stored canonical JSON.
func (e *Event) setEventID(eventID string) error {
	updated, err := setJSONField(e.eventJSON, "event_id", eventID)
	if err != nil {
		return err
	}
	e.eventJSON = updated
	e.fields.EventID = eventID
	return nil
}

// JSON returns the canonical event JSON, including the event ID.
func (e *Event) JSON() []byte { return e.eventJSON }

// Version returns the version of the room this event belongs to.
func (e *Event) Version() RoomVersion { return e.roomVersion }

// EventID returns the unique ID of the event.
func (e *Event) EventID() string { return e.fields.EventID }

// RoomID returns the room the event belongs to.
func (e *Event) RoomID() string { return e.fields.RoomID }

// Type returns the event type.
func (e *Event) Type() string { return e.fields.Type }

// Sender returns the user ID of the event sender.
func (e *Event) Sender() string { return e.fields.Sender }

// StateKey returns the state key, or nil for non-state events. State
// events may have an empty-string state key.
func (e *Event) StateKey() *string { return e.fields.StateKey }

// StateKeyEquals reports whether the event is a state event with the
// given state key.
func (e *Event) StateKeyEquals(stateKey string) bool {
	return e.fields.StateKey != nil && *e.fields.StateKey == stateKey
}

// Content returns the opaque content of the event.
func (e *Event) Content() []byte { return []byte(e.fields.Content) }

// AuthEventIDs returns the IDs of the events needed to auth this event.
func (e *Event) AuthEventIDs() []string { return e.fields.AuthEvents }

// PrevEventIDs returns the IDs of this event's parents in the room graph.
func (e *Event) PrevEventIDs() []string { return e.fields.PrevEvents }

// Depth returns 1 + the maximum depth of the event's prev_events, or 1 at
// the root of the graph.
func (e *Event) Depth() int64 { return e.fields.Depth }

// OriginServerTS returns the millisecond timestamp the origin server
// attached when it created the event.
func (e *Event) OriginServerTS() spec.Timestamp { return e.fields.OriginServerTS }

// Unsigned returns the unsigned side-channel, excluded from all hashing.
func (e *Event) Unsigned() []byte { return []byte(e.fields.Unsigned) }

// Signatures returns the signature map of the event.
func (e *Event) Signatures() map[spec.ServerName]map[KeyID]spec.Base64Bytes {
	return e.fields.Signatures
}

// Membership returns the "membership" value of an m.room.member event.
func (e *Event) Membership() (string, error) {
	if e.fields.Type != spec.MRoomMember {
		return "", fmt.Errorf("hearth: not an m.room.member event")
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(e.Content(), &content); err != nil {
		return "", spec.NewError(spec.KindValidation, "malformed membership content: %s", err)
	}
	if content.Membership == "" {
		return "", spec.NewError(spec.KindValidation, "missing membership key")
	}
	return content.Membership, nil
}

// SoftFailed reports whether the event failed the check against the
// room's live state at admission time.
func (e *Event) SoftFailed() bool { return e.softFailed }

// SetSoftFailed is called by the ingestion pipeline only.
func (e *Event) SetSoftFailed(v bool) { e.softFailed = v }

// Outlier reports whether the event was fetched only to satisfy an auth
// chain.
func (e *Event) Outlier() bool { return e.outlier }

// SetOutlier is called by the ingestion pipeline only.
func (e *Event) SetOutlier(v bool) { e.outlier = v }

// MarshalJSON emits the canonical wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.eventJSON == nil {
		return nil, fmt.Errorf("hearth: cannot marshal an uninitialised Event")
	}
	return e.eventJSON, nil
}

// isDomainQualifiedEventID distinguishes legacy sender-chosen event IDs
// ("$localpart:domain") from hash-derived ones ("$<base64>"). Legacy IDs
// are part of the hashed material; hash-derived IDs never are, since they
// are computed from it.
func isDomainQualifiedEventID(eventID string) bool {
	for i := 1; i < len(eventID); i++ {
		if eventID[i] == ':' {
			return true
		}
	}
	return false
}
