package roomserver

import (
	"context"
	"testing"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// passVerifier accepts every signature; the signing paths have their own
// tests and the pipeline tests only care about ordering and persistence.
type passVerifier struct{}

func (passVerifier) VerifyJSONs(_ context.Context, requests []hearth.VerifyJSONRequest) ([]hearth.VerifyJSONResult, error) {
	return make([]hearth.VerifyJSONResult, len(requests)), nil
}

type recordingNotifier struct {
	events []*hearth.Event
}

func (n *recordingNotifier) OnNewEvent(event *hearth.Event, _ hearth.StateSnapshot) {
	n.events = append(n.events, event)
}

type inputFixture struct {
	inputer  *Inputer
	store    *MemoryEventStore
	rooms    *MemoryRoomRegistry
	notifier *recordingNotifier
	key      ed25519.PrivateKey
}

func newInputFixture() *inputFixture {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = 1
	}
	f := &inputFixture{
		store:    NewMemoryEventStore(),
		rooms:    NewMemoryRoomRegistry(),
		notifier: &recordingNotifier{},
		key:      ed25519.NewKeyFromSeed(seed),
	}
	f.inputer = &Inputer{
		Store:    f.store,
		Rooms:    f.rooms,
		Verifier: passVerifier{},
		Notifier: f.notifier,
	}
	return f
}

func (f *inputFixture) build(t *testing.T, builder *hearth.EventBuilder) *hearth.Event {
	t.Helper()
	event, err := builder.Build(spec.Timestamp(1000000), "hs1", "ed25519:test", f.key, hearth.RoomVersionV5)
	require.NoError(t, err)
	return event
}

func (f *inputFixture) createEvent(t *testing.T) *hearth.Event {
	t.Helper()
	return f.build(t, &hearth.EventBuilder{
		Sender:   "@creator:hs1",
		RoomID:   "!room:hs1",
		Type:     spec.MRoomCreate,
		StateKey: new(string),
		Content:  spec.RawJSON(`{"creator":"@creator:hs1","room_version":"5"}`),
		Depth:    1,
	})
}

func (f *inputFixture) memberEvent(t *testing.T, userID string, membership string, depth int64, authEvents, prevEvents []string) *hearth.Event {
	t.Helper()
	stateKey := userID
	return f.build(t, &hearth.EventBuilder{
		Sender:     userID,
		RoomID:     "!room:hs1",
		Type:       spec.MRoomMember,
		StateKey:   &stateKey,
		Content:    spec.RawJSON(`{"membership":"` + membership + `"}`),
		Depth:      depth,
		AuthEvents: authEvents,
		PrevEvents: prevEvents,
	})
}

// input pushes an already-built event through the pipeline.
func (f *inputFixture) input(t *testing.T, event *hearth.Event, outlier bool) (*hearth.Event, error) {
	t.Helper()
	return f.inputer.InputEvent(context.Background(), hearth.RoomVersionV5, event.JSON(), outlier)
}

// seedRoom admits a create event, the creator's join and a public join
// rule, so that other users can join.
func (f *inputFixture) seedRoom(t *testing.T) (create, join, joinRules *hearth.Event) {
	t.Helper()
	create = f.createEvent(t)
	_, err := f.input(t, create, false)
	require.NoError(t, err)

	join = f.memberEvent(t, "@creator:hs1", spec.Join, 2,
		[]string{create.EventID()}, []string{create.EventID()})
	_, err = f.input(t, join, false)
	require.NoError(t, err)

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
	_, err = f.input(t, joinRules, false)
	require.NoError(t, err)
	return create, join, joinRules
}

// aliceJoin builds a join for @alice:hs1 on top of the seeded room.
func (f *inputFixture) aliceJoin(t *testing.T, create, creatorJoin, joinRules *hearth.Event) *hearth.Event {
	t.Helper()
	return f.memberEvent(t, "@alice:hs1", spec.Join, 4,
		[]string{create.EventID(), joinRules.EventID(), creatorJoin.EventID()},
		[]string{joinRules.EventID()})
}

func TestInputCreateEventRegistersRoom(t *testing.T) {
	f := newInputFixture()
	create := f.createEvent(t)

	admitted, err := f.input(t, create, false)
	require.NoError(t, err)
	assert.Equal(t, create.EventID(), admitted.EventID())

	room, err := f.rooms.Room(context.Background(), "!room:hs1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, hearth.RoomVersionV5, room.Version)

	state, err := f.rooms.CurrentState(context.Background(), "!room:hs1")
	require.NoError(t, err)
	assert.Len(t, state, 1)
	require.Len(t, f.notifier.events, 1)
}

func TestInputCreateEventTwiceRejected(t *testing.T) {
	f := newInputFixture()
	first := f.createEvent(t)
	_, err := f.input(t, first, false)
	require.NoError(t, err)

	// A second, distinct create event for the same room is rejected; the
	// identical event is simply idempotent.
	second := f.build(t, &hearth.EventBuilder{
		Sender:   "@creator:hs1",
		RoomID:   "!room:hs1",
		Type:     spec.MRoomCreate,
		StateKey: new(string),
		Content:  spec.RawJSON(`{"creator":"@creator:hs1","room_version":"5","name":"other"}`),
		Depth:    1,
	})
	_, err = f.input(t, second, false)
	require.Error(t, err)
	assert.Equal(t, spec.KindAuthRejected, spec.KindOf(err))
}

func TestInputEventIdempotent(t *testing.T) {
	f := newInputFixture()
	_, join, _ := f.seedRoom(t)

	again, err := f.input(t, join, false)
	require.NoError(t, err)
	assert.Equal(t, join.EventID(), again.EventID())
	// Replays must not re-notify.
	assert.Len(t, f.notifier.events, 3)
}

func TestInputEventUnknownRoom(t *testing.T) {
	f := newInputFixture()
	orphan := f.memberEvent(t, "@alice:hs1", spec.Join, 2,
		[]string{"$kpnc2cRT0nHkSjkTVhhv9HZQ_UFerpXV_GM_eBNTKPQ"},
		[]string{"$kpnc2cRT0nHkSjkTVhhv9HZQ_UFerpXV_GM_eBNTKPQ"})

	_, err := f.input(t, orphan, false)
	require.Error(t, err)
	assert.Equal(t, spec.KindNotFound, spec.KindOf(err))
}

func TestInputEventTamperedContent(t *testing.T) {
	f := newInputFixture()
	create, creatorJoin, joinRules := f.seedRoom(t)

	join := f.aliceJoin(t, create, creatorJoin, joinRules)
	tampered, err := sjson.SetBytes(join.JSON(), "content.membership", "ban")
	require.NoError(t, err)

	_, err = f.inputer.InputEvent(context.Background(), hearth.RoomVersionV5, tampered, false)
	require.Error(t, err)
	has, storeErr := f.store.HasEvent(context.Background(), join.EventID())
	require.NoError(t, storeErr)
	assert.False(t, has, "rejected event must not be persisted")
}

func TestInputEventMissingAuthEvent(t *testing.T) {
	f := newInputFixture()
	create, _, _ := f.seedRoom(t)

	// Alice's join cites a membership event this server never saw.
	join := f.memberEvent(t, "@alice:hs1", spec.Join, 4,
		[]string{create.EventID(), "$kpnc2cRT0nHkSjkTVhhv9HZQ_UFerpXV_GM_eBNTKPQ"},
		[]string{create.EventID()})

	_, err := f.input(t, join, false)
	require.Error(t, err)
	assert.Equal(t, spec.KindNotFound, spec.KindOf(err))
}

func TestInputEventAuthRejectedNotPersisted(t *testing.T) {
	f := newInputFixture()
	create, _, _ := f.seedRoom(t)

	// Bob was never invited or joined, so his message fails against its
	// own auth events.
	message := f.build(t, &hearth.EventBuilder{
		Sender:     "@bob:hs1",
		RoomID:     "!room:hs1",
		Type:       "m.room.message",
		Content:    spec.RawJSON(`{"body":"hi"}`),
		Depth:      3,
		AuthEvents: []string{create.EventID()},
		PrevEvents: []string{create.EventID()},
	})
	_, err := f.input(t, message, false)
	require.Error(t, err)
	assert.Equal(t, spec.KindAuthRejected, spec.KindOf(err))

	has, storeErr := f.store.HasEvent(context.Background(), message.EventID())
	require.NoError(t, storeErr)
	assert.False(t, has)
}

func TestInputEventSoftFailed(t *testing.T) {
	f := newInputFixture()
	create, creatorJoin, joinRules := f.seedRoom(t)

	aliceJoin := f.aliceJoin(t, create, creatorJoin, joinRules)
	_, err := f.input(t, aliceJoin, false)
	require.NoError(t, err)

	aliceLeave := f.memberEvent(t, "@alice:hs1", spec.Leave, 5,
		[]string{create.EventID(), aliceJoin.EventID()},
		[]string{aliceJoin.EventID()})
	_, err = f.input(t, aliceLeave, false)
	require.NoError(t, err)

	// A message citing the join passes its own auth events but fails the
	// live state, where alice has already left.
	message := f.build(t, &hearth.EventBuilder{
		Sender:     "@alice:hs1",
		RoomID:     "!room:hs1",
		Type:       "m.room.message",
		Content:    spec.RawJSON(`{"body":"late"}`),
		Depth:      5,
		AuthEvents: []string{create.EventID(), aliceJoin.EventID()},
		PrevEvents: []string{aliceJoin.EventID()},
	})

	notified := len(f.notifier.events)
	admitted, err := f.input(t, message, false)
	require.Error(t, err)
	assert.Equal(t, spec.KindAuthSoftFailed, spec.KindOf(err))
	require.NotNil(t, admitted)
	assert.True(t, admitted.SoftFailed())

	// Soft-failed events are kept for history but never notified.
	has, storeErr := f.store.HasEvent(context.Background(), message.EventID())
	require.NoError(t, storeErr)
	assert.True(t, has)
	assert.Len(t, f.notifier.events, notified)
}

func TestInputEventOutlier(t *testing.T) {
	f := newInputFixture()
	create, creatorJoin, joinRules := f.seedRoom(t)

	stateBefore, err := f.rooms.CurrentState(context.Background(), "!room:hs1")
	require.NoError(t, err)

	aliceJoin := f.aliceJoin(t, create, creatorJoin, joinRules)

	notified := len(f.notifier.events)
	admitted, err := f.input(t, aliceJoin, true)
	require.NoError(t, err)
	assert.True(t, admitted.Outlier())

	// Outliers are persisted but never folded into the room's state or
	// notified.
	stateAfter, err := f.rooms.CurrentState(context.Background(), "!room:hs1")
	require.NoError(t, err)
	assert.Len(t, stateAfter, len(stateBefore))
	assert.Len(t, f.notifier.events, notified)

	has, storeErr := f.store.HasEvent(context.Background(), aliceJoin.EventID())
	require.NoError(t, storeErr)
	assert.True(t, has)
}

func TestInputEventVersionMismatch(t *testing.T) {
	f := newInputFixture()
	create, creatorJoin, joinRules := f.seedRoom(t)

	aliceJoin := f.aliceJoin(t, create, creatorJoin, joinRules)

	_, err := f.inputer.InputEvent(context.Background(), hearth.RoomVersionV4, aliceJoin.JSON(), false)
	require.Error(t, err)
	assert.Equal(t, spec.KindValidation, spec.KindOf(err))
}
