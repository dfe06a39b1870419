package hearth

import (
	"github.com/hearth-im/hearth/spec"
)

// An AuthEventProvider is a snapshot of the state events needed to
// authorize an event: either the state implied by the event's own
// auth_events or the room's current resolved state.
type AuthEventProvider interface {
	// Create returns the m.room.create event, or nil if absent.
	Create() (*Event, error)
	// JoinRules returns the m.room.join_rules event, or nil if absent.
	JoinRules() (*Event, error)
	// PowerLevels returns the m.room.power_levels event, or nil if absent.
	PowerLevels() (*Event, error)
	// Member returns the m.room.member event for the given user ID, or
	// nil if absent.
	Member(userID string) (*Event, error)
}

// AuthEvents is a map-backed AuthEventProvider.
type AuthEvents struct {
	events map[StateKeyTuple]*Event
}

// A StateKeyTuple identifies one logical state slot in a room.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// NewAuthEvents returns a provider containing the given state events.
// Non-state events are ignored.
func NewAuthEvents(events []*Event) AuthEvents {
	a := AuthEvents{events: make(map[StateKeyTuple]*Event, len(events))}
	for _, e := range events {
		a.AddEvent(e)
	}
	return a
}

// AddEvent adds a state event to the provider, replacing any previous
// event for the same slot.
func (a *AuthEvents) AddEvent(event *Event) {
	if event.StateKey() == nil {
		return
	}
	a.events[StateKeyTuple{event.Type(), *event.StateKey()}] = event
}

// Create implements AuthEventProvider.
func (a *AuthEvents) Create() (*Event, error) {
	return a.events[StateKeyTuple{spec.MRoomCreate, ""}], nil
}

// JoinRules implements AuthEventProvider.
func (a *AuthEvents) JoinRules() (*Event, error) {
	return a.events[StateKeyTuple{spec.MRoomJoinRules, ""}], nil
}

// PowerLevels implements AuthEventProvider.
func (a *AuthEvents) PowerLevels() (*Event, error) {
	return a.events[StateKeyTuple{spec.MRoomPowerLevels, ""}], nil
}

// Member implements AuthEventProvider.
func (a *AuthEvents) Member(userID string) (*Event, error) {
	return a.events[StateKeyTuple{spec.MRoomMember, userID}], nil
}

// Allowed checks whether an event is authorized by the given state
// snapshot. A nil return means the event is allowed; a *NotAllowed error
// explains the rule it broke. The caller decides whether the failure is
// hard (against the event's own auth events) or soft (against the room's
// live state).
func Allowed(event *Event, authEvents AuthEventProvider) error {
	switch event.Type() {
	case spec.MRoomCreate:
		return createEventAllowed(event)
	case spec.MRoomMember:
		return memberEventAllowed(event, authEvents)
	default:
		return otherEventAllowed(event, authEvents)
	}
}

// createEventAllowed checks an m.room.create event. The create event is
// self-authorizing: it must be the root of the room graph and the room ID
// must belong to the sender's server.
func createEventAllowed(event *Event) error {
	if !event.StateKeyEquals("") {
		return notAllowedf("create event has a non-empty state_key")
	}
	if len(event.PrevEventIDs()) > 0 {
		return notAllowedf("create event is not the first event in the room")
	}
	_, roomDomain, err := spec.SplitID(spec.SigilRoom, event.RoomID())
	if err != nil {
		return notAllowedf("create event has an invalid room ID: %s", err)
	}
	_, senderDomain, err := spec.SplitID(spec.SigilUser, event.Sender())
	if err != nil {
		return notAllowedf("create event has an invalid sender: %s", err)
	}
	if roomDomain != senderDomain {
		return notAllowedf(
			"create event room ID domain %q does not match sender domain %q",
			roomDomain, senderDomain,
		)
	}
	return nil
}

// allowerContext caches the state content shared by all the non-create
// checks: nothing is authorized before the room has a create event.
type allowerContext struct {
	create      CreateContent
	powerLevels PowerLevelContent
	joinRules   JoinRuleContent
	authEvents  AuthEventProvider
}

func newAllowerContext(authEvents AuthEventProvider) (*allowerContext, error) {
	create, err := NewCreateContentFromAuthEvents(authEvents)
	if err != nil {
		return nil, err
	}
	powerLevels, err := NewPowerLevelContentFromAuthEvents(authEvents, create.Creator)
	if err != nil {
		return nil, err
	}
	joinRules, err := NewJoinRuleContentFromAuthEvents(authEvents)
	if err != nil {
		return nil, err
	}
	return &allowerContext{
		create:      create,
		powerLevels: powerLevels,
		joinRules:   joinRules,
		authEvents:  authEvents,
	}, nil
}

func (a *allowerContext) membershipOf(userID string) (string, error) {
	member, err := NewMemberContentFromAuthEvents(a.authEvents, userID)
	if err != nil {
		return "", err
	}
	return member.Membership, nil
}

// memberEventAllowed checks the membership transition rules.
func memberEventAllowed(event *Event, authEvents AuthEventProvider) error {
	a, err := newAllowerContext(authEvents)
	if err != nil {
		return err
	}
	if event.StateKey() == nil || *event.StateKey() == "" {
		return notAllowedf("m.room.member event missing state_key")
	}
	target := *event.StateKey()
	sender := event.Sender()

	newMember, err := NewMemberContentFromEvent(event)
	if err != nil {
		return err
	}
	targetMembership, err := a.membershipOf(target)
	if err != nil {
		return err
	}
	senderMembership, err := a.membershipOf(sender)
	if err != nil {
		return err
	}
	senderLevel := a.powerLevels.UserLevel(sender)
	targetLevel := a.powerLevels.UserLevel(target)

	switch newMember.Membership {
	case spec.Join:
		return a.joinAllowed(event, sender, target, targetMembership)
	case spec.Invite:
		if senderMembership != spec.Join {
			return notAllowedf("sender %q must be joined to invite", sender)
		}
		if targetMembership == spec.Join || targetMembership == spec.Ban {
			return notAllowedf("cannot invite user %q with membership %q", target, targetMembership)
		}
		if senderLevel < a.powerLevels.Invite {
			return notAllowedf("sender %q has insufficient power to invite", sender)
		}
		return nil
	case spec.Leave:
		if sender == target {
			// A user may always leave, unless they were banned: lifting a
			// ban needs the ban power level.
			if targetMembership == spec.Ban {
				return notAllowedf("user %q is banned and cannot leave", target)
			}
			return nil
		}
		// A kick, or an unban by a third party.
		if senderMembership != spec.Join {
			return notAllowedf("sender %q must be joined to kick", sender)
		}
		if targetMembership == spec.Ban && senderLevel < a.powerLevels.Ban {
			return notAllowedf("sender %q has insufficient power to unban", sender)
		}
		if senderLevel < a.powerLevels.Kick {
			return notAllowedf("sender %q has insufficient power to kick", sender)
		}
		if senderLevel <= targetLevel {
			return notAllowedf("sender %q cannot kick a user at an equal or higher level", sender)
		}
		return nil
	case spec.Ban:
		if senderMembership != spec.Join {
			return notAllowedf("sender %q must be joined to ban", sender)
		}
		if senderLevel < a.powerLevels.Ban {
			return notAllowedf("sender %q has insufficient power to ban", sender)
		}
		if senderLevel <= targetLevel {
			return notAllowedf("sender %q cannot ban a user at an equal or higher level", sender)
		}
		return nil
	case spec.Knock:
		if a.joinRules.JoinRule != spec.JoinRuleKnock {
			return notAllowedf("room join rule does not permit knocking")
		}
		if sender != target {
			return notAllowedf("sender %q cannot knock on behalf of %q", sender, target)
		}
		if targetMembership == spec.Join || targetMembership == spec.Ban {
			return notAllowedf("cannot knock with membership %q", targetMembership)
		}
		return nil
	default:
		return notAllowedf("unknown membership %q", newMember.Membership)
	}
}

// joinAllowed checks a join transition. A user with a pending invite (or,
// under the knock rule, an accepted knock) may join regardless of the
// join rule; otherwise only public rooms may be joined.
func (a *allowerContext) joinAllowed(event *Event, sender, target, targetMembership string) error {
	if sender != target {
		return notAllowedf("sender %q cannot join on behalf of %q", sender, target)
	}
	// The creator's first join: the create event cannot admit anyone by
	// itself, so a join straight off the create event is allowed when the
	// joiner is the room creator.
	if prev := event.PrevEventIDs(); len(prev) == 1 && target == a.create.Creator {
		if create, err := a.authEvents.Create(); err == nil && create != nil && prev[0] == create.EventID() {
			return nil
		}
	}
	switch targetMembership {
	case spec.Ban:
		return notAllowedf("user %q is banned from the room", target)
	case spec.Join:
		// Already joined: a profile update, always allowed.
		return nil
	case spec.Invite:
		// A pending invite admits the user under any join rule.
		return nil
	}
	switch a.joinRules.JoinRule {
	case spec.JoinRulePublic:
		return nil
	case spec.JoinRuleKnock:
		if targetMembership == spec.Knock {
			return nil
		}
		return notAllowedf("user %q has not knocked on this room", target)
	default:
		return notAllowedf(
			"room join rule %q forbids joining without an invite", a.joinRules.JoinRule,
		)
	}
}

// otherEventAllowed checks every event type without bespoke rules: the
// sender must be joined and hold the power level the event type requires.
func otherEventAllowed(event *Event, authEvents AuthEventProvider) error {
	a, err := newAllowerContext(authEvents)
	if err != nil {
		return err
	}
	sender := event.Sender()
	senderMembership, err := a.membershipOf(sender)
	if err != nil {
		return err
	}
	if senderMembership != spec.Join {
		return notAllowedf("sender %q is not in the room", sender)
	}
	senderLevel := a.powerLevels.UserLevel(sender)
	requiredLevel := a.powerLevels.EventLevel(event.Type(), event.StateKey() != nil)
	if senderLevel < requiredLevel {
		return notAllowedf(
			"sender %q has power level %d but %q requires %d",
			sender, senderLevel, event.Type(), requiredLevel,
		)
	}
	return nil
}
