package hearth

import "fmt"

// RoomVersion refers to the room version for a specific room. Versions are
// strings because the protocol grammar allows for future expansion.
type RoomVersion string

// Supported room versions. Earlier versions derived event IDs from a
// sender-chosen string; this server only speaks the hash-derived formats.
const (
	RoomVersionV4 RoomVersion = "4"
	RoomVersionV5 RoomVersion = "5"
)

// RoomVersionDefault is used when creating new rooms.
const RoomVersionDefault = RoomVersionV5

type roomVersionMeta struct {
	// Event IDs are "$" + unpadded base64url of the reference hash.
	eventIDFromReferenceHash bool
	// Strict signing-key validity checking (valid_until_ts is enforced).
	strictValidityChecking bool
}

var roomVersions = map[RoomVersion]roomVersionMeta{
	RoomVersionV4: {
		eventIDFromReferenceHash: true,
		strictValidityChecking:   false,
	},
	RoomVersionV5: {
		eventIDFromReferenceHash: true,
		strictValidityChecking:   true,
	},
}

// UnsupportedRoomVersionError occurs when a call refers to a room version
// that is not implemented.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("hearth: unsupported room version %q", e.Version)
}

// StrictValidityChecking returns whether the room version enforces
// signing-key validity periods when verifying signatures.
func (v RoomVersion) StrictValidityChecking() (bool, error) {
	if meta, ok := roomVersions[v]; ok {
		return meta.strictValidityChecking, nil
	}
	return false, UnsupportedRoomVersionError{v}
}

// Supported returns nil if the room version is implemented.
func (v RoomVersion) Supported() error {
	if _, ok := roomVersions[v]; ok {
		return nil
	}
	return UnsupportedRoomVersionError{v}
}
