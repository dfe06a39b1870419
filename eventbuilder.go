package hearth

import (
	"encoding/json"

	"github.com/hearth-im/hearth/spec"
	"golang.org/x/crypto/ed25519"
)

// An EventBuilder is used to create new events on this server. The
// zero-valued fields are filled in during Build.
type EventBuilder struct {
	// The user ID of the sender.
	Sender string `json:"sender"`
	// The room the event belongs to.
	RoomID string `json:"room_id"`
	// The event type.
	Type string `json:"type"`
	// The state key, nil for non-state events.
	StateKey *string `json:"state_key,omitempty"`
	// The events needed to authenticate this event.
	AuthEvents []string `json:"auth_events"`
	// The parents of this event in the room graph.
	PrevEvents []string `json:"prev_events"`
	// 1 + the maximum depth of the prev events, or 1 at the root.
	Depth int64 `json:"depth"`
	// The JSON content of the event.
	Content spec.RawJSON `json:"content"`
	// The unsigned side-channel, excluded from hashing.
	Unsigned spec.RawJSON `json:"unsigned,omitempty"`
}

// SetContent sets the JSON content of the event.
func (eb *EventBuilder) SetContent(content interface{}) (err error) {
	eb.Content, err = json.Marshal(content)
	return
}

// SetUnsigned sets the unsigned side-channel of the event.
func (eb *EventBuilder) SetUnsigned(unsigned interface{}) (err error) {
	eb.Unsigned, err = json.Marshal(unsigned)
	return
}

// Build hashes, derives the ID of, and signs the event:
//
//  1. the content hash is computed over the bare event,
//  2. the reference hash is computed over the event with its content
//     hash attached and the event ID derived from it,
//  3. the origin server signs the result.
//
// The built event round-trips through the untrusted parser so that a
// locally-created event can never be one a remote server would reject.
func (eb *EventBuilder) Build(
	ts spec.Timestamp, origin spec.ServerName, keyID KeyID,
	privateKey ed25519.PrivateKey, roomVersion RoomVersion,
) (*Event, error) {
	if err := roomVersion.Supported(); err != nil {
		return nil, err
	}
	if eb.Depth < 1 {
		eb.Depth = 1
	}
	if eb.AuthEvents == nil {
		eb.AuthEvents = []string{}
	}
	if eb.PrevEvents == nil {
		eb.PrevEvents = []string{}
	}
	if len(eb.Content) == 0 {
		eb.Content = spec.RawJSON(`{}`)
	}

	var bare struct {
		EventBuilder
		OriginServerTS spec.Timestamp `json:"origin_server_ts"`
	}
	bare.EventBuilder = *eb
	bare.OriginServerTS = ts

	eventJSON, err := json.Marshal(&bare)
	if err != nil {
		return nil, err
	}
	eventJSON, err = CanonicalJSON(eventJSON)
	if err != nil {
		return nil, err
	}

	contentHash, err := ContentHashOf(eventJSON)
	if err != nil {
		return nil, err
	}
	hashes, err := json.Marshal(HashValues{SHA256: contentHash})
	if err != nil {
		return nil, err
	}
	eventJSON, err = setRawJSONField(eventJSON, "hashes", hashes)
	if err != nil {
		return nil, err
	}

	eventID, err := EventIDFromJSON(eventJSON)
	if err != nil {
		return nil, err
	}
	eventJSON, err = setJSONField(eventJSON, "event_id", eventID)
	if err != nil {
		return nil, err
	}

	eventJSON, err = signEventJSON(string(origin), keyID, privateKey, eventJSON)
	if err != nil {
		return nil, err
	}

	return NewEventFromUntrustedJSON(eventJSON, roomVersion)
}
