package hearth

import (
	"encoding/json"
	"time"

	"github.com/hearth-im/hearth/spec"
	"golang.org/x/crypto/ed25519"
)

// A VerifyKey is a published ed25519 verification key.
type VerifyKey struct {
	// The public key.
	Key spec.Base64Bytes `json:"key"`
}

// An OldVerifyKey is a key that is no longer valid for signing new events,
// kept around for checking historic ones.
type OldVerifyKey struct {
	VerifyKey
	// When the key stopped being valid for event signing.
	ExpiredTS spec.Timestamp `json:"expired_ts"`
}

// ServerKeys is the response body of GET /_matrix/key/v2/server: the
// signing keys a homeserver publishes about itself.
type ServerKeys struct {
	// Copy of the raw response for signature checking.
	Raw spec.RawJSON `json:"-"`
	// The name of the server the keys belong to.
	ServerName spec.ServerName `json:"server_name"`
	// The current signing keys in use on the server.
	VerifyKeys map[KeyID]VerifyKey `json:"verify_keys"`
	// When this response stops being valid, in milliseconds.
	ValidUntilTS spec.Timestamp `json:"valid_until_ts"`
	// Expired keys, only valid for checking historic events.
	OldVerifyKeys map[KeyID]OldVerifyKey `json:"old_verify_keys"`
	// The signatures of the server over its own response.
	Signatures map[spec.ServerName]map[KeyID]spec.Base64Bytes `json:"signatures,omitempty"`
}

// UnmarshalJSON keeps a copy of the raw bytes so the self-signature can be
// checked against exactly what the server sent.
func (keys *ServerKeys) UnmarshalJSON(data []byte) error {
	keys.Raw = append(keys.Raw[:0], data...)
	type serverKeys ServerKeys
	return json.Unmarshal(data, (*serverKeys)(keys))
}

// KeyChecks are the checks applied to a ServerKeys response before any of
// its keys are trusted.
type KeyChecks struct {
	AllChecksOK              bool // Did all the checks pass?
	MatchingServerName       bool // Does server_name match what was requested?
	FutureValidUntilTS       bool // Is valid_until_ts in the future?
	HasEd25519Key            bool // Is there at least one usable ed25519 key?
	AllEd25519ChecksOK       bool // Are all listed ed25519 keys well-formed?
	MatchingEd25519Signature bool // Has every usable key self-signed the response?
}

// CheckKeys validates a ServerKeys response: the name must match, the
// response must still be valid, and every usable key must have a valid
// self-signature. On success the usable keys are returned.
func CheckKeys(serverName spec.ServerName, now time.Time, keys ServerKeys) (checks KeyChecks, ed25519Keys map[KeyID]spec.Base64Bytes) {
	checks.MatchingServerName = serverName == keys.ServerName
	checks.FutureValidUntilTS = spec.AsTimestamp(now) < keys.ValidUntilTS

	checks.AllEd25519ChecksOK = true
	checks.MatchingEd25519Signature = true
	ed25519Keys = map[KeyID]spec.Base64Bytes{}
	for keyID, keyData := range keys.VerifyKeys {
		if !isEd25519KeyID(keyID) {
			continue
		}
		if len(keyData.Key) != ed25519.PublicKeySize {
			checks.AllEd25519ChecksOK = false
			continue
		}
		if err := VerifyJSON(string(keys.ServerName), keyID, ed25519.PublicKey(keyData.Key), keys.Raw); err != nil {
			checks.MatchingEd25519Signature = false
			continue
		}
		checks.HasEd25519Key = true
		ed25519Keys[keyID] = keyData.Key
	}

	checks.AllChecksOK = checks.MatchingServerName &&
		checks.FutureValidUntilTS &&
		checks.HasEd25519Key &&
		checks.AllEd25519ChecksOK &&
		checks.MatchingEd25519Signature

	if !checks.AllChecksOK {
		ed25519Keys = nil
	}
	return
}

func isEd25519KeyID(keyID KeyID) bool {
	const prefix = "ed25519:"
	return len(keyID) > len(prefix) && string(keyID[:len(prefix)]) == prefix
}

// LocalKey is this server's own signing keypair.
type LocalKey struct {
	ServerName spec.ServerName
	KeyID      KeyID
	PrivateKey ed25519.PrivateKey
}

// PublicKey returns the verification half of the keypair.
func (l *LocalKey) PublicKey() ed25519.PublicKey {
	return l.PrivateKey.Public().(ed25519.PublicKey)
}

// ServerKeys builds and self-signs the /_matrix/key/v2/server response for
// this server, valid for the given duration.
func (l *LocalKey) ServerKeys(validFor time.Duration) (ServerKeys, error) {
	keys := ServerKeys{
		ServerName: l.ServerName,
		VerifyKeys: map[KeyID]VerifyKey{
			l.KeyID: {Key: spec.Base64Bytes(l.PublicKey())},
		},
		OldVerifyKeys: map[KeyID]OldVerifyKey{},
		ValidUntilTS:  spec.AsTimestamp(time.Now().Add(validFor)),
	}
	unsigned, err := json.Marshal(&keys)
	if err != nil {
		return ServerKeys{}, err
	}
	signed, err := SignJSON(string(l.ServerName), l.KeyID, l.PrivateKey, unsigned)
	if err != nil {
		return ServerKeys{}, err
	}
	if err := json.Unmarshal(signed, &keys); err != nil {
		return ServerKeys{}, err
	}
	return keys, nil
}
