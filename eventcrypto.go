package hearth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/hearth-im/hearth/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// setJSONField splices a string value into the stored canonical JSON.
// Insertion keeps the output canonical because the input already is and
// sjson preserves compact formatting; the result is re-sorted to keep the
// key-order invariant after a key is added.
func setJSONField(eventJSON []byte, key, value string) ([]byte, error) {
	updated, err := sjson.SetBytes(eventJSON, key, value)
	if err != nil {
		return nil, spec.NewError(spec.KindInternal, "cannot set %q: %s", key, err)
	}
	return CanonicalJSON(updated)
}

// setRawJSONField splices a raw JSON value into the stored canonical JSON.
func setRawJSONField(eventJSON []byte, key string, raw []byte) ([]byte, error) {
	updated, err := sjson.SetRawBytes(eventJSON, key, raw)
	if err != nil {
		return nil, spec.NewError(spec.KindInternal, "cannot set %q: %s", key, err)
	}
	return CanonicalJSON(updated)
}

// contentHashable strips the keys excluded from the content hash:
// signatures, hashes and unsigned, plus a hash-derived event ID (legacy
// domain-qualified IDs are sender-chosen content and stay in).
func contentHashable(eventJSON []byte) ([]byte, error) {
	var err error
	stripped := eventJSON
	for _, key := range []string{"signatures", "hashes", "unsigned"} {
		if stripped, err = sjson.DeleteBytes(stripped, key); err != nil {
			return nil, spec.NewError(spec.KindInternal, "cannot strip %q: %s", key, err)
		}
	}
	return stripHashDerivedEventID(stripped)
}

// referenceHashable strips the keys excluded from the reference hash:
// signatures and unsigned (the content hash stays in), and the event ID,
// which is what the reference hash exists to derive.
func referenceHashable(eventJSON []byte) ([]byte, error) {
	var err error
	stripped := eventJSON
	for _, key := range []string{"signatures", "unsigned", "event_id"} {
		if stripped, err = sjson.DeleteBytes(stripped, key); err != nil {
			return nil, spec.NewError(spec.KindInternal, "cannot strip %q: %s", key, err)
		}
	}
	return stripped, nil
}

// signatureHashable strips the keys excluded from event signing, matching
// the reference-hash stripping rule: signatures, unsigned, and a
// hash-derived event ID (which is inserted after signing on the local
// side and therefore cannot be part of the signed payload).
func signatureHashable(eventJSON []byte) ([]byte, error) {
	var err error
	stripped := eventJSON
	for _, key := range []string{"signatures", "unsigned"} {
		if stripped, err = sjson.DeleteBytes(stripped, key); err != nil {
			return nil, spec.NewError(spec.KindInternal, "cannot strip %q: %s", key, err)
		}
	}
	return stripHashDerivedEventID(stripped)
}

func stripHashDerivedEventID(eventJSON []byte) ([]byte, error) {
	id := gjson.GetBytes(eventJSON, "event_id")
	if !id.Exists() || isDomainQualifiedEventID(id.Str) {
		return eventJSON, nil
	}
	stripped, err := sjson.DeleteBytes(eventJSON, "event_id")
	if err != nil {
		return nil, spec.NewError(spec.KindInternal, "cannot strip event_id: %s", err)
	}
	return stripped, nil
}

// ContentHashOf computes the SHA-256 content hash of the event JSON. The
// result detects whether the content of the event has been tampered with.
func ContentHashOf(eventJSON []byte) (spec.Base64Bytes, error) {
	hashable, err := contentHashable(eventJSON)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(hashable)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	return digest[:], nil
}

// VerifyContentHash recomputes the content hash of the event JSON and
// compares it with the hashes.sha256 key. A mismatch means the event was
// modified after hashing.
func VerifyContentHash(eventJSON []byte) error {
	claimed := gjson.GetBytes(eventJSON, "hashes.sha256")
	if !claimed.Exists() {
		return spec.NewError(spec.KindHashMismatch, "event has no hashes.sha256")
	}
	var claimedHash spec.Base64Bytes
	if err := claimedHash.Decode(claimed.Str); err != nil {
		return spec.NewError(spec.KindHashMismatch, "undecodable hashes.sha256: %s", err)
	}
	computed, err := ContentHashOf(eventJSON)
	if err != nil {
		return err
	}
	if !bytes.Equal(computed, claimedHash) {
		return spec.NewError(spec.KindHashMismatch,
			"content hash mismatch: computed %s, event claims %s",
			computed.Encode(), claimedHash.Encode())
	}
	return nil
}

// ReferenceHashOf computes the SHA-256 reference hash of the event JSON,
// used wherever the protocol derives an identifier from event content
// rather than trusting a sender-supplied one.
func ReferenceHashOf(eventJSON []byte) (spec.Base64Bytes, error) {
	hashable, err := referenceHashable(eventJSON)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(hashable)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canonical)
	return digest[:], nil
}

// EventIDFromJSON derives the event ID from the reference hash:
// "$" followed by the unpadded base64url digest.
func EventIDFromJSON(eventJSON []byte) (string, error) {
	refHash, err := ReferenceHashOf(eventJSON)
	if err != nil {
		return "", err
	}
	return "$" + base64.RawURLEncoding.EncodeToString(refHash), nil
}

// signEventJSON adds the server's signature to the event JSON. The signed
// payload is the canonical event with signatures, unsigned and any
// hash-derived event ID stripped.
func signEventJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, eventJSON []byte) ([]byte, error) {
	payload, err := signatureHashable(eventJSON)
	if err != nil {
		return nil, err
	}
	signedPayload, err := SignJSON(signingName, keyID, privateKey, payload)
	if err != nil {
		return nil, err
	}

	var signed struct {
		Signatures spec.RawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(signedPayload, &signed); err != nil {
		return nil, err
	}
	updated, err := sjson.SetRawBytes(eventJSON, "signatures", signed.Signatures)
	if err != nil {
		return nil, spec.NewError(spec.KindInternal, "cannot splice signatures: %s", err)
	}
	return CanonicalJSON(updated)
}

// Sign returns a copy of the event signed by the given server.
func (e *Event) Sign(signingName string, keyID KeyID, privateKey ed25519.PrivateKey) (*Event, error) {
	signedJSON, err := signEventJSON(signingName, keyID, privateKey, e.eventJSON)
	if err != nil {
		return nil, err
	}
	return NewEventFromTrustedJSON(signedJSON, e.roomVersion)
}

// Verify checks a single signature on the event against a known public key.
func (e *Event) Verify(signingName string, keyID KeyID, publicKey ed25519.PublicKey) error {
	payload, err := signatureHashable(e.eventJSON)
	if err != nil {
		return err
	}
	return VerifyJSON(signingName, keyID, publicKey, payload)
}

// VerifyEventSignatures checks that every server that must have signed the
// event did so with a verifiable signature: the sender's homeserver always,
// and the invited user's homeserver for m.room.member invites. Any missing
// or non-verifying signature rejects the event.
func VerifyEventSignatures(ctx context.Context, e *Event, verifier JSONVerifier) error {
	needed := map[spec.ServerName]struct{}{}

	_, senderDomain, err := spec.SplitID(spec.SigilUser, e.Sender())
	if err != nil {
		return spec.NewError(spec.KindValidation, "invalid sender %q: %s", e.Sender(), err)
	}
	needed[senderDomain] = struct{}{}

	// Legacy domain-qualified event IDs name the origin server; it must
	// have signed too (it is usually the same as the sender's).
	if isDomainQualifiedEventID(e.EventID()) {
		_, originDomain, err := spec.SplitID(spec.SigilEvent, e.EventID())
		if err != nil {
			return spec.NewError(spec.KindValidation, "invalid event_id %q: %s", e.EventID(), err)
		}
		needed[originDomain] = struct{}{}
	}

	if e.Type() == spec.MRoomMember {
		membership, err := e.Membership()
		if err != nil {
			return err
		}
		if membership == spec.Invite && e.StateKey() != nil {
			_, invitedDomain, err := spec.SplitID(spec.SigilUser, *e.StateKey())
			if err != nil {
				return spec.NewError(spec.KindValidation, "invalid invite state_key: %s", err)
			}
			needed[invitedDomain] = struct{}{}
		}
	}

	payload, err := signatureHashable(e.eventJSON)
	if err != nil {
		return err
	}
	strict, err := e.roomVersion.StrictValidityChecking()
	if err != nil {
		return err
	}

	toVerify := make([]VerifyJSONRequest, 0, len(needed))
	for serverName := range needed {
		toVerify = append(toVerify, VerifyJSONRequest{
			ServerName:             serverName,
			AtTS:                   e.OriginServerTS(),
			Message:                payload,
			StrictValidityChecking: strict,
		})
	}
	results, err := verifier.VerifyJSONs(ctx, toVerify)
	if err != nil {
		return spec.NewError(spec.KindKeyUnavailable, "cannot verify signatures: %s", err)
	}
	for _, result := range results {
		if result.Error != nil {
			return spec.NewError(spec.KindSignatureInvalid, "%s", result.Error)
		}
	}
	return nil
}
