package hearth

import (
	"sort"

	"github.com/hashicorp/go-set/v3"
	"github.com/hearth-im/hearth/spec"
)

// A StateSnapshot is resolved room state: at most one event per
// (type, state_key) slot. The zero value is not usable; make one with
// NewStateSnapshot or ResolveState.
type StateSnapshot map[StateKeyTuple]*Event

// NewStateSnapshot returns an empty snapshot.
func NewStateSnapshot() StateSnapshot {
	return StateSnapshot{}
}

// Fold applies an admitted state event to the snapshot, replacing
// whatever previously occupied its slot. Non-state events are ignored.
func (s StateSnapshot) Fold(event *Event) {
	if event.StateKey() == nil {
		return
	}
	s[StateKeyTuple{event.Type(), *event.StateKey()}] = event
}

// Copy returns a snapshot that can be folded without disturbing the
// original.
func (s StateSnapshot) Copy() StateSnapshot {
	c := make(StateSnapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Events returns the snapshot contents ordered by event ID, so two equal
// snapshots always list their events identically.
func (s StateSnapshot) Events() []*Event {
	events := make([]*Event, 0, len(s))
	for _, e := range s {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].EventID() < events[j].EventID()
	})
	return events
}

// Create implements AuthEventProvider.
func (s StateSnapshot) Create() (*Event, error) {
	return s[StateKeyTuple{spec.MRoomCreate, ""}], nil
}

// JoinRules implements AuthEventProvider.
func (s StateSnapshot) JoinRules() (*Event, error) {
	return s[StateKeyTuple{spec.MRoomJoinRules, ""}], nil
}

// PowerLevels implements AuthEventProvider.
func (s StateSnapshot) PowerLevels() (*Event, error) {
	return s[StateKeyTuple{spec.MRoomPowerLevels, ""}], nil
}

// Member implements AuthEventProvider.
func (s StateSnapshot) Member(userID string) (*Event, error) {
	return s[StateKeyTuple{spec.MRoomMember, userID}], nil
}

// ResolveState resolves a set of possibly conflicting state events into a
// single snapshot. The input typically merges the state of several forks
// of the room graph, so a slot may have several candidates; the same
// inputs always produce the same snapshot regardless of input order.
//
// Slots are resolved in a fixed precedence (create, power_levels,
// join_rules, members, then everything else) so that the state a
// candidate is judged against is already settled where possible. Within
// a slot, a candidate that the partially resolved state authorizes beats
// any candidate it rejects; remaining ties go to the greater depth, then
// the greater origin_server_ts, then the smaller event ID.
func ResolveState(events []*Event) (StateSnapshot, error) {
	seen := set.New[string](len(events))
	slots := make(map[StateKeyTuple][]*Event)
	for _, e := range events {
		if e.StateKey() == nil {
			continue
		}
		if !seen.Insert(e.EventID()) {
			continue
		}
		if seen.Size() > maxAuthChainSize {
			return nil, CycleError{RoomID: e.RoomID()}
		}
		key := StateKeyTuple{e.Type(), *e.StateKey()}
		slots[key] = append(slots[key], e)
	}

	resolved := make(StateSnapshot, len(slots))
	for _, key := range resolutionOrder(slots) {
		candidates := slots[key]
		sortStateCandidates(candidates)
		resolved[key] = resolveSlot(candidates, resolved)
	}
	return resolved, nil
}

// resolveSlot picks the winning candidate for one slot. The first
// candidate in total order that the state resolved so far authorizes
// wins; if the partial state authorizes none of them (which happens for
// the slots resolved before memberships exist), the total order alone
// decides.
func resolveSlot(candidates []*Event, resolved StateSnapshot) *Event {
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, candidate := range candidates {
		if Allowed(candidate, resolved) == nil {
			return candidate
		}
	}
	return candidates[0]
}

// sortStateCandidates orders candidates by depth descending, then
// origin_server_ts descending, then event ID ascending.
func sortStateCandidates(candidates []*Event) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Depth() != b.Depth() {
			return a.Depth() > b.Depth()
		}
		if a.OriginServerTS() != b.OriginServerTS() {
			return a.OriginServerTS() > b.OriginServerTS()
		}
		return a.EventID() < b.EventID()
	})
}

// resolutionOrder returns the slot keys sorted by auth precedence, then
// type, then state key.
func resolutionOrder(slots map[StateKeyTuple][]*Event) []StateKeyTuple {
	keys := make([]StateKeyTuple, 0, len(slots))
	for key := range slots {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := slotPrecedence(keys[i]), slotPrecedence(keys[j])
		if pi != pj {
			return pi < pj
		}
		if keys[i].EventType != keys[j].EventType {
			return keys[i].EventType < keys[j].EventType
		}
		return keys[i].StateKey < keys[j].StateKey
	})
	return keys
}

func slotPrecedence(key StateKeyTuple) int {
	switch key.EventType {
	case spec.MRoomCreate:
		return 0
	case spec.MRoomPowerLevels:
		return 1
	case spec.MRoomJoinRules:
		return 2
	case spec.MRoomMember:
		return 3
	default:
		return 4
	}
}
