package hearth

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-set/v3"
	"github.com/oleiade/lane/v2"
)

// maxAuthChainSize bounds the auth chain walk. Real rooms have auth
// chains a few orders of magnitude smaller, so hitting the bound means
// the graph is malformed or adversarial.
const maxAuthChainSize = 1 << 20

// An AuthChainProvider returns the events with the requested IDs. It is
// only called for event IDs not already seen during the walk, so it may
// be backed by storage or by a remote fetch. Failing to return every
// requested event fails the walk with a MissingAuthEventError.
type AuthChainProvider func(ctx context.Context, eventIDs []string) ([]*Event, error)

// AuthChain walks the auth_events references of the given events
// transitively and returns every reachable event exactly once. The
// result is unordered.
func AuthChain(ctx context.Context, events []*Event, provideEvents AuthChainProvider) ([]*Event, error) {
	visited := set.New[string](len(events) * 4)
	frontier := lane.NewDeque[*Event]()
	byID := make(map[string]*Event)
	for _, e := range events {
		frontier.Append(e)
		byID[e.EventID()] = e
	}

	var chain []*Event
	for frontier.Size() > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		curr, _ := frontier.Shift()
		if !visited.Insert(curr.EventID()) {
			continue
		}
		if visited.Size() > maxAuthChainSize {
			return nil, CycleError{RoomID: curr.RoomID()}
		}
		chain = append(chain, curr)

		var need []string
		for _, authEventID := range curr.AuthEventIDs() {
			if visited.Contains(authEventID) {
				continue
			}
			if next, ok := byID[authEventID]; ok {
				frontier.Append(next)
				continue
			}
			need = append(need, authEventID)
		}
		if len(need) == 0 {
			continue
		}
		fetched, err := provideEvents(ctx, need)
		if err != nil {
			return nil, fmt.Errorf("hearth: AuthChain failed to obtain auth events: %w", err)
		}
		for _, e := range fetched {
			byID[e.EventID()] = e
			frontier.Append(e)
		}
		for _, authEventID := range need {
			if byID[authEventID] == nil {
				return nil, MissingAuthEventError{
					AuthEventID: authEventID,
					ForEventID:  curr.EventID(),
				}
			}
		}
	}
	return chain, nil
}

// VerifyEventAuthChain checks that the event is allowed by the state its
// auth_events describe, and recursively that each of those auth events
// was itself allowed. Passing this check does not prove the auth events
// reflect a real point in the room's history; the room's live state must
// still be consulted separately.
func VerifyEventAuthChain(ctx context.Context, eventToVerify *Event, provideEvents AuthChainProvider) error {
	byID := map[string]*Event{eventToVerify.EventID(): eventToVerify}
	verified := set.New[string](16)
	pending := lane.NewDeque[*Event]()
	pending.Append(eventToVerify)

	for pending.Size() > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Depth-first keeps the number of duplicate checks down.
		curr, _ := pending.Pop()
		if verified.Contains(curr.EventID()) {
			continue
		}
		if verified.Size() > maxAuthChainSize {
			return CycleError{RoomID: curr.RoomID()}
		}

		var need []string
		for _, authEventID := range curr.AuthEventIDs() {
			if byID[authEventID] == nil {
				need = append(need, authEventID)
			}
		}
		if len(need) > 0 {
			fetched, err := provideEvents(ctx, need)
			if err != nil {
				return fmt.Errorf("hearth: VerifyEventAuthChain failed to obtain auth events: %w", err)
			}
			for _, e := range fetched {
				byID[e.EventID()] = e
			}
			for _, authEventID := range need {
				next, ok := byID[authEventID]
				if !ok {
					return MissingAuthEventError{
						AuthEventID: authEventID,
						ForEventID:  curr.EventID(),
					}
				}
				pending.Append(next)
			}
		}

		if err := checkAllowedByAuthEvents(curr, byID); err != nil {
			return fmt.Errorf("hearth: VerifyEventAuthChain %v failed auth check: %w", curr.EventID(), err)
		}
		verified.Insert(curr.EventID())
	}
	return nil
}

// checkAllowedByAuthEvents runs the auth rules for the event against the
// snapshot formed by its own auth_events, which must all be present in
// the lookup table.
func checkAllowedByAuthEvents(event *Event, byID map[string]*Event) error {
	authEvents := NewAuthEvents(nil)
	for _, authEventID := range event.AuthEventIDs() {
		authEvent, ok := byID[authEventID]
		if !ok {
			return MissingAuthEventError{
				AuthEventID: authEventID,
				ForEventID:  event.EventID(),
			}
		}
		authEvents.AddEvent(authEvent)
	}
	return Allowed(event, &authEvents)
}
