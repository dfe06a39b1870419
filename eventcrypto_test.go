package hearth

import (
	"testing"

	"github.com/hearth-im/hearth/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// Fixed-key helpers shared by the crypto tests. Deterministic seeds make
// failures reproducible.
func testKey(seed byte) ed25519.PrivateKey {
	raw := make([]byte, ed25519.SeedSize)
	for i := range raw {
		raw[i] = seed
	}
	return ed25519.NewKeyFromSeed(raw)
}

func TestContentHashKnownVector(t *testing.T) {
	// A legacy domain-qualified event ID is sender-chosen content, so it
	// participates in the content hash.
	eventJSON := []byte(`{"event_id":"$0:domain","origin_server_ts":1000000,"type":"X"}`)
	hash, err := ContentHashOf(eventJSON)
	require.NoError(t, err)
	assert.Equal(t, "A6Nco6sqoy18PPfPDVdYvoowfc0PVBk9g9OiyT3ncRM", hash.Encode())
}

func TestContentHashStripsVolatileKeys(t *testing.T) {
	base := []byte(`{"content":{"body":"hi"},"origin_server_ts":1,"type":"m.room.message"}`)
	baseHash, err := ContentHashOf(base)
	require.NoError(t, err)

	decorated := base
	for key, raw := range map[string]string{
		"signatures": `{"hs1":{"ed25519:k":"c2ln"}}`,
		"hashes":     `{"sha256":"aGFzaA"}`,
		"unsigned":   `{"age":100}`,
	} {
		var err error
		decorated, err = sjson.SetRawBytes(decorated, key, []byte(raw))
		require.NoError(t, err)
	}
	decoratedHash, err := ContentHashOf(decorated)
	require.NoError(t, err)
	assert.Equal(t, baseHash.Encode(), decoratedHash.Encode())
}

func TestContentHashIgnoresHashDerivedEventID(t *testing.T) {
	base := []byte(`{"origin_server_ts":1,"type":"X"}`)
	baseHash, err := ContentHashOf(base)
	require.NoError(t, err)

	withID, err := sjson.SetBytes(base, "event_id", "$abcDEF123_-")
	require.NoError(t, err)
	withIDHash, err := ContentHashOf(withID)
	require.NoError(t, err)
	assert.Equal(t, baseHash.Encode(), withIDHash.Encode())

	withLegacyID, err := sjson.SetBytes(base, "event_id", "$0:domain")
	require.NoError(t, err)
	legacyHash, err := ContentHashOf(withLegacyID)
	require.NoError(t, err)
	assert.NotEqual(t, baseHash.Encode(), legacyHash.Encode())
}

func TestVerifyContentHash(t *testing.T) {
	event := mustBuildEvent(t, &EventBuilder{
		Sender:  "@alice:hs1",
		RoomID:  "!room:hs1",
		Type:    "m.room.message",
		Content: spec.RawJSON(`{"body":"hello"}`),
		Depth:   2,
		PrevEvents: []string{
			"$kpnc2cRT0nHkSjkTVhhv9HZQ_UFerpXV_GM_eBNTKPQ",
		},
	})
	require.NoError(t, VerifyContentHash(event.JSON()))

	tampered, err := sjson.SetBytes(event.JSON(), "content.body", "goodbye")
	require.NoError(t, err)
	err = VerifyContentHash(tampered)
	require.Error(t, err)
	assert.Equal(t, spec.KindHashMismatch, spec.KindOf(err))

	noHashes, err := sjson.DeleteBytes(event.JSON(), "hashes")
	require.NoError(t, err)
	err = VerifyContentHash(noHashes)
	require.Error(t, err)
	assert.Equal(t, spec.KindHashMismatch, spec.KindOf(err))
}

func TestReferenceHashIgnoresSignaturesAndEventID(t *testing.T) {
	event := mustBuildEvent(t, &EventBuilder{
		Sender:  "@alice:hs1",
		RoomID:  "!room:hs1",
		Type:    "m.room.message",
		Content: spec.RawJSON(`{"body":"hello"}`),
		Depth:   2,
		PrevEvents: []string{
			"$kpnc2cRT0nHkSjkTVhhv9HZQ_UFerpXV_GM_eBNTKPQ",
		},
	})
	signedHash, err := ReferenceHashOf(event.JSON())
	require.NoError(t, err)

	stripped, err := sjson.DeleteBytes(event.JSON(), "signatures")
	require.NoError(t, err)
	stripped, err = sjson.DeleteBytes(stripped, "event_id")
	require.NoError(t, err)
	strippedHash, err := ReferenceHashOf(stripped)
	require.NoError(t, err)

	assert.Equal(t, signedHash.Encode(), strippedHash.Encode())
}

func TestBuiltEventIDMatchesReferenceHash(t *testing.T) {
	event := mustBuildEvent(t, &EventBuilder{
		Sender:  "@alice:hs1",
		RoomID:  "!room:hs1",
		Type:    "m.room.create",
		Content: spec.RawJSON(`{"creator":"@alice:hs1","room_version":"5"}`),
		Depth:   1,
	})
	derived, err := EventIDFromJSON(event.JSON())
	require.NoError(t, err)
	assert.Equal(t, derived, event.EventID())
	assert.False(t, isDomainQualifiedEventID(event.EventID()))
}

func TestEventSignRoundTrip(t *testing.T) {
	priv := testKey(1)
	event := mustBuildEvent(t, &EventBuilder{
		Sender:  "@alice:hs1",
		RoomID:  "!room:hs1",
		Type:    "m.room.create",
		Content: spec.RawJSON(`{"creator":"@alice:hs1","room_version":"5"}`),
		Depth:   1,
	})
	require.NoError(t, event.Verify("hs1", "ed25519:test", priv.Public().(ed25519.PublicKey)))

	// A different key must not verify.
	other := testKey(2)
	assert.Error(t, event.Verify("hs1", "ed25519:test", other.Public().(ed25519.PublicKey)))
}

func TestUntrustedParseRejectsWrongHashDerivedID(t *testing.T) {
	event := mustBuildEvent(t, &EventBuilder{
		Sender:  "@alice:hs1",
		RoomID:  "!room:hs1",
		Type:    "m.room.create",
		Content: spec.RawJSON(`{"creator":"@alice:hs1","room_version":"5"}`),
		Depth:   1,
	})
	forged, err := sjson.SetBytes(event.JSON(), "event_id", "$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	_, err = NewEventFromUntrustedJSON(forged, RoomVersionV5)
	require.Error(t, err)
	assert.Equal(t, spec.KindValidation, spec.KindOf(err))
}

// mustBuildEvent signs with the deterministic test key for "hs1".
func mustBuildEvent(t *testing.T, builder *EventBuilder) *Event {
	t.Helper()
	event, err := builder.Build(
		spec.Timestamp(1000000), "hs1", "ed25519:test", testKey(1), RoomVersionV5,
	)
	require.NoError(t, err)
	return event
}
