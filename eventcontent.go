package hearth

import (
	"encoding/json"

	"github.com/hearth-im/hearth/spec"
)

// CreateContent is the JSON content of an m.room.create event.
type CreateContent struct {
	// The user that created the room.
	Creator string `json:"creator"`
	// The version of the room.
	RoomVersion *string `json:"room_version,omitempty"`
	// Whether users on other servers may join.
	Federate *bool `json:"m.federate,omitempty"`
}

// NewCreateContentFromAuthEvents loads the create content from the create
// event in the snapshot. Every event other than m.room.create itself
// requires one to be present.
func NewCreateContentFromAuthEvents(authEvents AuthEventProvider) (c CreateContent, err error) {
	var createEvent *Event
	if createEvent, err = authEvents.Create(); err != nil {
		return
	}
	if createEvent == nil {
		err = notAllowedf("no m.room.create event in the auth events")
		return
	}
	if err = json.Unmarshal(createEvent.Content(), &c); err != nil {
		err = spec.NewError(spec.KindValidation, "malformed m.room.create content: %s", err)
	}
	return
}

// MemberContent is the JSON content of an m.room.member event.
type MemberContent struct {
	Membership string `json:"membership"`
	Reason     string `json:"reason,omitempty"`
}

// NewMemberContentFromAuthEvents loads the membership of userID from the
// snapshot. A user with no membership event is treated as having left.
func NewMemberContentFromAuthEvents(authEvents AuthEventProvider, userID string) (c MemberContent, err error) {
	var memberEvent *Event
	if memberEvent, err = authEvents.Member(userID); err != nil {
		return
	}
	if memberEvent == nil {
		c.Membership = spec.Leave
		return
	}
	return NewMemberContentFromEvent(memberEvent)
}

// NewMemberContentFromEvent parses the membership out of an m.room.member
// event.
func NewMemberContentFromEvent(event *Event) (c MemberContent, err error) {
	if err = json.Unmarshal(event.Content(), &c); err != nil {
		err = spec.NewError(spec.KindValidation, "malformed m.room.member content: %s", err)
		return
	}
	if c.Membership == "" {
		err = spec.NewError(spec.KindValidation, "missing membership key in m.room.member content")
	}
	return
}

// JoinRuleContent is the JSON content of an m.room.join_rules event.
type JoinRuleContent struct {
	JoinRule string `json:"join_rule"`
}

// NewJoinRuleContentFromAuthEvents loads the join rules from the snapshot.
// A room with no join_rules event only admits users who were invited.
func NewJoinRuleContentFromAuthEvents(authEvents AuthEventProvider) (c JoinRuleContent, err error) {
	var joinRulesEvent *Event
	if joinRulesEvent, err = authEvents.JoinRules(); err != nil {
		return
	}
	if joinRulesEvent == nil {
		c.JoinRule = spec.JoinRuleInvite
		return
	}
	if err = json.Unmarshal(joinRulesEvent.Content(), &c); err != nil {
		err = spec.NewError(spec.KindValidation, "malformed m.room.join_rules content: %s", err)
	}
	return
}

// PowerLevelContent is the JSON content of an m.room.power_levels event.
type PowerLevelContent struct {
	Ban           int64            `json:"ban"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	StateDefault  int64            `json:"state_default"`
	EventsDefault int64            `json:"events_default"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	Users         map[string]int64 `json:"users"`
}

// Defaults sets the power levels that apply when a room has no
// m.room.power_levels event at all: everyone is level 0 and every
// threshold is 0, except that the room creator is handled separately by
// NewPowerLevelContentFromAuthEvents.
func (c *PowerLevelContent) Defaults() {
	*c = PowerLevelContent{
		Events: map[string]int64{},
		Users:  map[string]int64{},
	}
}

// UserLevel returns the effective power level of a user: their entry in
// users, else users_default, else 0.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	if level, ok := c.Users[userID]; ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send an event of the given
// type: the event-type-specific override if present, else state_default
// for state events and events_default otherwise.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if level, ok := c.Events[eventType]; ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// NewPowerLevelContentFromAuthEvents loads the power levels from the
// snapshot. Before any power_levels event exists the room creator
// implicitly has level 100 and everyone else 0.
func NewPowerLevelContentFromAuthEvents(authEvents AuthEventProvider, creator string) (c PowerLevelContent, err error) {
	var powerLevelsEvent *Event
	if powerLevelsEvent, err = authEvents.PowerLevels(); err != nil {
		return
	}
	if powerLevelsEvent != nil {
		return NewPowerLevelContentFromEvent(powerLevelsEvent)
	}
	c.Defaults()
	c.Users[creator] = 100
	return
}

// NewPowerLevelContentFromEvent parses the content of an
// m.room.power_levels event. Missing thresholds take the protocol
// defaults.
func NewPowerLevelContentFromEvent(event *Event) (c PowerLevelContent, err error) {
	// Protocol defaults for a room that has a power_levels event but
	// omits some of the keys.
	c = PowerLevelContent{
		Ban:          50,
		Kick:         50,
		Redact:       50,
		StateDefault: 50,
		Events:       map[string]int64{},
		Users:        map[string]int64{},
	}
	var overlay struct {
		Ban           *int64           `json:"ban"`
		Invite        *int64           `json:"invite"`
		Kick          *int64           `json:"kick"`
		Redact        *int64           `json:"redact"`
		StateDefault  *int64           `json:"state_default"`
		EventsDefault *int64           `json:"events_default"`
		UsersDefault  *int64           `json:"users_default"`
		Events        map[string]int64 `json:"events"`
		Users         map[string]int64 `json:"users"`
	}
	if err = json.Unmarshal(event.Content(), &overlay); err != nil {
		err = spec.NewError(spec.KindValidation, "malformed m.room.power_levels content: %s", err)
		return
	}
	assign := func(to *int64, from *int64) {
		if from != nil {
			*to = *from
		}
	}
	assign(&c.Ban, overlay.Ban)
	assign(&c.Invite, overlay.Invite)
	assign(&c.Kick, overlay.Kick)
	assign(&c.Redact, overlay.Redact)
	assign(&c.StateDefault, overlay.StateDefault)
	assign(&c.EventsDefault, overlay.EventsDefault)
	assign(&c.UsersDefault, overlay.UsersDefault)
	if overlay.Events != nil {
		c.Events = overlay.Events
	}
	if overlay.Users != nil {
		c.Users = overlay.Users
	}
	return
}
