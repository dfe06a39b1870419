package roomserver

import (
	"context"
	"sync"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
)

// An EventStore persists admitted events. Implementations must be safe
// for concurrent use; the input pipeline serialises writes per room but
// reads happen from any goroutine.
type EventStore interface {
	// Event returns the stored event, or nil if it is unknown.
	Event(ctx context.Context, eventID string) (*hearth.Event, error)
	// Events returns the stored events for the given IDs. Unknown IDs
	// are simply absent from the result.
	Events(ctx context.Context, eventIDs []string) ([]*hearth.Event, error)
	// StoreEvent persists an event. Storing the same event twice is not
	// an error.
	StoreEvent(ctx context.Context, event *hearth.Event) error
	// HasEvent reports whether an event is already persisted.
	HasEvent(ctx context.Context, eventID string) (bool, error)
}

// RoomInfo is what the registry knows about one room.
type RoomInfo struct {
	RoomID  string
	Version hearth.RoomVersion
	// The resolved current state of the room. Owned by the registry;
	// callers get copies.
	state hearth.StateSnapshot
}

// A RoomRegistry tracks the rooms this server participates in and their
// resolved current state.
type RoomRegistry interface {
	// Room returns the room's info, or nil if the room is unknown.
	Room(ctx context.Context, roomID string) (*RoomInfo, error)
	// CreateRoom registers a new room with an empty state snapshot.
	CreateRoom(ctx context.Context, roomID string, version hearth.RoomVersion) error
	// CurrentState returns a copy of the room's resolved state.
	CurrentState(ctx context.Context, roomID string) (hearth.StateSnapshot, error)
	// SetCurrentState replaces the room's resolved state.
	SetCurrentState(ctx context.Context, roomID string, state hearth.StateSnapshot) error
}

// MemoryEventStore is an EventStore held entirely in memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*hearth.Event
}

// NewMemoryEventStore makes an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*hearth.Event)}
}

// Event implements EventStore.
func (s *MemoryEventStore) Event(ctx context.Context, eventID string) (*hearth.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[eventID], nil
}

// Events implements EventStore.
func (s *MemoryEventStore) Events(ctx context.Context, eventIDs []string) ([]*hearth.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]*hearth.Event, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		if e, ok := s.events[eventID]; ok {
			events = append(events, e)
		}
	}
	return events, nil
}

// StoreEvent implements EventStore.
func (s *MemoryEventStore) StoreEvent(ctx context.Context, event *hearth.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.EventID()] = event
	return nil
}

// HasEvent implements EventStore.
func (s *MemoryEventStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// MemoryRoomRegistry is a RoomRegistry held entirely in memory.
type MemoryRoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*RoomInfo
}

// NewMemoryRoomRegistry makes an empty in-memory room registry.
func NewMemoryRoomRegistry() *MemoryRoomRegistry {
	return &MemoryRoomRegistry{rooms: make(map[string]*RoomInfo)}
}

// Room implements RoomRegistry.
func (r *MemoryRoomRegistry) Room(ctx context.Context, roomID string) (*RoomInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, nil
	}
	info := RoomInfo{RoomID: room.RoomID, Version: room.Version}
	return &info, nil
}

// CreateRoom implements RoomRegistry.
func (r *MemoryRoomRegistry) CreateRoom(ctx context.Context, roomID string, version hearth.RoomVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return spec.NewError(spec.KindInternal, "room %q already exists", roomID)
	}
	r.rooms[roomID] = &RoomInfo{
		RoomID:  roomID,
		Version: version,
		state:   hearth.NewStateSnapshot(),
	}
	return nil
}

// CurrentState implements RoomRegistry.
func (r *MemoryRoomRegistry) CurrentState(ctx context.Context, roomID string) (hearth.StateSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, spec.NewError(spec.KindNotFound, "unknown room %q", roomID)
	}
	return room.state.Copy(), nil
}

// SetCurrentState implements RoomRegistry.
func (r *MemoryRoomRegistry) SetCurrentState(ctx context.Context, roomID string, state hearth.StateSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return spec.NewError(spec.KindNotFound, "unknown room %q", roomID)
	}
	room.state = state
	return nil
}
