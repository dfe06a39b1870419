package roomserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
)

// A Notifier is told about every event the pipeline admits into a room's
// timeline. Soft-failed and outlier events are persisted but never
// notified.
type Notifier interface {
	OnNewEvent(event *hearth.Event, state hearth.StateSnapshot)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(event *hearth.Event, state hearth.StateSnapshot)

// OnNewEvent implements Notifier.
func (f NotifierFunc) OnNewEvent(event *hearth.Event, state hearth.StateSnapshot) {
	f(event, state)
}

// An Inputer admits events into rooms. Checks run in a fixed order so
// that the cheapest rejections happen first and nothing is persisted
// before the event has fully passed; each room's read-fold-write is one
// critical section.
type Inputer struct {
	Store    EventStore
	Rooms    RoomRegistry
	Verifier hearth.JSONVerifier
	Notifier Notifier

	// Per-room locks, created on first use and kept for the life of the
	// process. The set of rooms a server participates in is small enough
	// that reaping them is not worth the bookkeeping.
	roomMutexes sync.Map // roomID -> *sync.Mutex
}

func (i *Inputer) roomMutex(roomID string) *sync.Mutex {
	mu, _ := i.roomMutexes.LoadOrStore(roomID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// InputEvent runs the admission pipeline for a single PDU. On success the
// returned event has been persisted; it may still carry the soft-failed
// flag, meaning it exists in the room's history but did not pass the
// room's live state and was not notified.
//
// Outlier events (fetched as part of someone else's auth chain rather
// than pushed over federation) are checked against their own auth events
// only and never touch the room's resolved state.
func (i *Inputer) InputEvent(ctx context.Context, roomVersion hearth.RoomVersion, eventJSON []byte, outlier bool) (*hearth.Event, error) {
	// Shape first: malformed JSON never gets any further.
	event, err := hearth.NewEventFromUntrustedJSON(eventJSON, roomVersion)
	if err != nil {
		return nil, err
	}
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  event.RoomID(),
		"type":     event.Type(),
	})

	// Admission is idempotent: a replayed event returns the stored copy.
	if stored, err := i.Store.Event(ctx, event.EventID()); err != nil {
		return nil, err
	} else if stored != nil {
		return stored, nil
	}

	if err := hearth.VerifyContentHash(event.JSON()); err != nil {
		return nil, err
	}
	// Key fetches for unknown servers happen in here, before any room
	// lock is taken.
	if err := hearth.VerifyEventSignatures(ctx, event, i.Verifier); err != nil {
		return nil, err
	}

	if event.Type() == spec.MRoomCreate && event.StateKeyEquals("") {
		return i.inputCreateEvent(ctx, event, logger)
	}

	room, err := i.Rooms.Room(ctx, event.RoomID())
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, spec.NewError(spec.KindNotFound, "event %q is for unknown room %q", event.EventID(), event.RoomID())
	}
	if room.Version != roomVersion {
		return nil, spec.NewError(spec.KindValidation, "event %q claims room version %q but room %q is version %q",
			event.EventID(), roomVersion, event.RoomID(), room.Version)
	}

	// Hard auth: the event must be allowed by the state its own
	// auth_events describe, and those events must themselves be valid.
	// Failure here means the event is rejected outright.
	if err := hearth.VerifyEventAuthChain(ctx, event, i.provideStoredEvents); err != nil {
		if spec.KindOf(err) == spec.KindNotFound {
			return nil, err
		}
		return nil, spec.NewError(spec.KindAuthRejected, "event %q rejected: %s", event.EventID(), err)
	}

	if outlier {
		event.SetOutlier(true)
		if err := i.Store.StoreEvent(ctx, event); err != nil {
			return nil, err
		}
		logger.Debug("Stored outlier event")
		return event, nil
	}

	mu := i.roomMutex(event.RoomID())
	mu.Lock()
	defer mu.Unlock()

	state, err := i.Rooms.CurrentState(ctx, event.RoomID())
	if err != nil {
		return nil, err
	}

	// Soft check: an event that passed its own auth events but not the
	// room's live state is kept for history but goes no further.
	if err := hearth.Allowed(event, state); err != nil {
		event.SetSoftFailed(true)
		if storeErr := i.Store.StoreEvent(ctx, event); storeErr != nil {
			return nil, storeErr
		}
		logger.WithError(err).Warn("Event soft-failed against current room state")
		return event, spec.NewError(spec.KindAuthSoftFailed, "event %q soft-failed: %s", event.EventID(), err)
	}

	state.Fold(event)
	if err := i.Store.StoreEvent(ctx, event); err != nil {
		return nil, err
	}
	if err := i.Rooms.SetCurrentState(ctx, event.RoomID(), state); err != nil {
		return nil, err
	}
	if i.Notifier != nil {
		i.Notifier.OnNewEvent(event, state)
	}
	logger.Debug("Admitted event")
	return event, nil
}

// inputCreateEvent registers a new room from its create event. The
// version the room runs at comes from the event content and must be one
// this server supports.
func (i *Inputer) inputCreateEvent(ctx context.Context, event *hearth.Event, logger *logrus.Entry) (*hearth.Event, error) {
	if room, err := i.Rooms.Room(ctx, event.RoomID()); err != nil {
		return nil, err
	} else if room != nil {
		return nil, spec.NewError(spec.KindAuthRejected, "room %q already has a create event", event.RoomID())
	}

	var content struct {
		RoomVersion *hearth.RoomVersion `json:"room_version"`
	}
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return nil, spec.NewError(spec.KindValidation, "malformed m.room.create content: %s", err)
	}
	version := hearth.RoomVersionDefault
	if content.RoomVersion != nil {
		version = *content.RoomVersion
	}
	if err := version.Supported(); err != nil {
		return nil, err
	}
	if version != event.Version() {
		return nil, spec.NewError(spec.KindValidation, "create event for %q parsed as version %q but declares %q",
			event.RoomID(), event.Version(), version)
	}

	// The create event is self-authorizing but still runs the rules, so
	// a create with prev_events or a mismatched domain dies here.
	if err := hearth.Allowed(event, hearth.NewStateSnapshot()); err != nil {
		return nil, spec.NewError(spec.KindAuthRejected, "create event rejected: %s", err)
	}

	mu := i.roomMutex(event.RoomID())
	mu.Lock()
	defer mu.Unlock()

	if err := i.Rooms.CreateRoom(ctx, event.RoomID(), version); err != nil {
		return nil, err
	}
	state := hearth.NewStateSnapshot()
	state.Fold(event)
	if err := i.Store.StoreEvent(ctx, event); err != nil {
		return nil, err
	}
	if err := i.Rooms.SetCurrentState(ctx, event.RoomID(), state); err != nil {
		return nil, err
	}
	if i.Notifier != nil {
		i.Notifier.OnNewEvent(event, state)
	}
	logger.Info("Created room")
	return event, nil
}

// provideStoredEvents feeds the auth chain walk from the event store.
// Auth events this server never saw are a hard stop; fetching them from
// the sending server is the transaction layer's problem, not ours.
func (i *Inputer) provideStoredEvents(ctx context.Context, eventIDs []string) ([]*hearth.Event, error) {
	return i.Store.Events(ctx, eventIDs)
}
