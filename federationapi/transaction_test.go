package federationapi

import (
	"context"
	"testing"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/roomserver"
	"github.com/hearth-im/hearth/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

type passVerifier struct{}

func (passVerifier) VerifyJSONs(_ context.Context, requests []hearth.VerifyJSONRequest) ([]hearth.VerifyJSONResult, error) {
	return make([]hearth.VerifyJSONResult, len(requests)), nil
}

type processorFixture struct {
	processor *TransactionProcessor
	store     *roomserver.MemoryEventStore
	rooms     *roomserver.MemoryRoomRegistry
	key       ed25519.PrivateKey
}

func newProcessorFixture() *processorFixture {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = 1
	}
	f := &processorFixture{
		store: roomserver.NewMemoryEventStore(),
		rooms: roomserver.NewMemoryRoomRegistry(),
		key:   ed25519.NewKeyFromSeed(seed),
	}
	f.processor = &TransactionProcessor{
		Inputer: &roomserver.Inputer{
			Store:    f.store,
			Rooms:    f.rooms,
			Verifier: passVerifier{},
		},
		Rooms: f.rooms,
		EDUs:  DefaultEDUHandlers(),
	}
	return f
}

func (f *processorFixture) build(t *testing.T, builder *hearth.EventBuilder) *hearth.Event {
	t.Helper()
	event, err := builder.Build(spec.Timestamp(1000000), "hs1", "ed25519:test", f.key, hearth.RoomVersionV5)
	require.NoError(t, err)
	return event
}

// roomEvents builds create, creator join and a public join rule for
// !room:hs1.
func (f *processorFixture) roomEvents(t *testing.T) (create, join, joinRules *hearth.Event) {
	t.Helper()
	create = f.build(t, &hearth.EventBuilder{
		Sender:   "@creator:hs1",
		RoomID:   "!room:hs1",
		Type:     spec.MRoomCreate,
		StateKey: new(string),
		Content:  spec.RawJSON(`{"creator":"@creator:hs1","room_version":"5"}`),
		Depth:    1,
	})
	creatorKey := "@creator:hs1"
	join = f.build(t, &hearth.EventBuilder{
		Sender:     "@creator:hs1",
		RoomID:     "!room:hs1",
		Type:       spec.MRoomMember,
		StateKey:   &creatorKey,
		Content:    spec.RawJSON(`{"membership":"join"}`),
		Depth:      2,
		AuthEvents: []string{create.EventID()},
		PrevEvents: []string{create.EventID()},
	})
	joinRules = f.build(t, &hearth.EventBuilder{
		Sender:     "@creator:hs1",
		RoomID:     "!room:hs1",
		Type:       spec.MRoomJoinRules,
		StateKey:   new(string),
		Content:    spec.RawJSON(`{"join_rule":"public"}`),
		Depth:      3,
		AuthEvents: []string{create.EventID(), join.EventID()},
		PrevEvents: []string{join.EventID()},
	})
	return create, join, joinRules
}

func pdus(events ...*hearth.Event) []spec.RawJSON {
	out := make([]spec.RawJSON, 0, len(events))
	for _, e := range events {
		out = append(out, spec.RawJSON(e.JSON()))
	}
	return out
}

func TestProcessTransactionOrdersByDepth(t *testing.T) {
	f := newProcessorFixture()
	create, join, joinRules := f.roomEvents(t)

	// The PDUs arrive children-first; depth ordering must admit the
	// parents before the events that cite them.
	resp, err := f.processor.ProcessTransaction(context.Background(), &hearth.Transaction{
		Origin: "hs1",
		PDUs:   pdus(joinRules, join, create),
	})
	require.NoError(t, err)
	require.Len(t, resp.PDUs, 3)
	for _, event := range []*hearth.Event{create, join, joinRules} {
		result, ok := resp.PDUs[event.EventID()]
		require.True(t, ok, "missing result for %s", event.Type())
		assert.Empty(t, result.Error)
	}
}

func TestProcessTransactionIsolatesFailures(t *testing.T) {
	f := newProcessorFixture()
	create, join, _ := f.roomEvents(t)

	// An event for a room nobody created must fail alone.
	orphan := f.build(t, &hearth.EventBuilder{
		Sender:     "@creator:hs1",
		RoomID:     "!other:hs1",
		Type:       "m.room.message",
		Content:    spec.RawJSON(`{"body":"lost"}`),
		Depth:      2,
		PrevEvents: []string{create.EventID()},
	})

	resp, err := f.processor.ProcessTransaction(context.Background(), &hearth.Transaction{
		Origin: "hs1",
		PDUs:   pdus(create, orphan, join),
	})
	require.NoError(t, err)
	require.Len(t, resp.PDUs, 3)
	assert.Empty(t, resp.PDUs[create.EventID()].Error)
	assert.Empty(t, resp.PDUs[join.EventID()].Error)
	assert.Contains(t, resp.PDUs[orphan.EventID()].Error, "unknown room")
}

func TestProcessTransactionDiscardsMalformedPDU(t *testing.T) {
	f := newProcessorFixture()
	create, _, _ := f.roomEvents(t)

	resp, err := f.processor.ProcessTransaction(context.Background(), &hearth.Transaction{
		Origin: "hs1",
		PDUs:   []spec.RawJSON{spec.RawJSON(`{"not":"an event"`), spec.RawJSON(create.JSON())},
	})
	require.NoError(t, err)
	// The broken blob has no identity to report a result under; the
	// sibling is unaffected.
	require.Len(t, resp.PDUs, 1)
	assert.Empty(t, resp.PDUs[create.EventID()].Error)
}

func TestProcessTransactionSoftFailIsAccepted(t *testing.T) {
	f := newProcessorFixture()
	create, join, joinRules := f.roomEvents(t)

	aliceKey := "@alice:hs1"
	aliceJoin := f.build(t, &hearth.EventBuilder{
		Sender:     "@alice:hs1",
		RoomID:     "!room:hs1",
		Type:       spec.MRoomMember,
		StateKey:   &aliceKey,
		Content:    spec.RawJSON(`{"membership":"join"}`),
		Depth:      4,
		AuthEvents: []string{create.EventID(), joinRules.EventID(), join.EventID()},
		PrevEvents: []string{joinRules.EventID()},
	})
	aliceLeave := f.build(t, &hearth.EventBuilder{
		Sender:     "@alice:hs1",
		RoomID:     "!room:hs1",
		Type:       spec.MRoomMember,
		StateKey:   &aliceKey,
		Content:    spec.RawJSON(`{"membership":"leave"}`),
		Depth:      5,
		AuthEvents: []string{create.EventID(), aliceJoin.EventID()},
		PrevEvents: []string{aliceJoin.EventID()},
	})
	_, err := f.processor.ProcessTransaction(context.Background(), &hearth.Transaction{
		Origin: "hs1",
		PDUs:   pdus(create, join, joinRules, aliceJoin, aliceLeave),
	})
	require.NoError(t, err)

	// A message citing the join arrives after the leave. It soft-fails,
	// which is not the sending server's fault, so the result is clean.
	message := f.build(t, &hearth.EventBuilder{
		Sender:     "@alice:hs1",
		RoomID:     "!room:hs1",
		Type:       "m.room.message",
		Content:    spec.RawJSON(`{"body":"late"}`),
		Depth:      5,
		AuthEvents: []string{create.EventID(), aliceJoin.EventID()},
		PrevEvents: []string{aliceJoin.EventID()},
	})
	resp, err := f.processor.ProcessTransaction(context.Background(), &hearth.Transaction{
		Origin: "hs1",
		PDUs:   pdus(message),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.PDUs[message.EventID()].Error)

	stored, err := f.store.Event(context.Background(), message.EventID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.SoftFailed())
}

func TestProcessTransactionDispatchesEDUs(t *testing.T) {
	f := newProcessorFixture()
	var seen []string
	f.processor.EDUs["m.typing"] = func(_ context.Context, origin spec.ServerName, content []byte) error {
		seen = append(seen, string(origin)+":"+string(content))
		return nil
	}

	_, err := f.processor.ProcessTransaction(context.Background(), &hearth.Transaction{
		Origin: "hs2",
		EDUs: []hearth.EDU{
			{EDUType: "m.typing", Content: []byte(`{"room_id":"!room:hs1","typing":true}`)},
			{EDUType: "m.not_a_thing", Content: []byte(`{}`)},
		},
	})
	require.NoError(t, err)
	// The unknown type is dropped silently; the known one is handled.
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0], "hs2:")
}
