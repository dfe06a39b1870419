package hearth

import (
	"fmt"

	"github.com/hearth-im/hearth/spec"
)

// MissingAuthEventError refers to a situation where one of the auth events
// for a given event could not be found.
type MissingAuthEventError struct {
	AuthEventID string
	ForEventID  string
}

func (e MissingAuthEventError) Error() string {
	return fmt.Sprintf(
		"hearth: missing auth event with ID %s for event %s",
		e.AuthEventID, e.ForEventID,
	)
}

// Kind implements the admission taxonomy: a missing auth event is a
// reference to something we don't know about.
func (e MissingAuthEventError) Kind() spec.ErrorKind { return spec.KindNotFound }

// NotAllowed is returned when an event fails the authorization rules.
type NotAllowed struct {
	Message string
}

func (a *NotAllowed) Error() string {
	return "hearth: event not allowed: " + a.Message
}

func notAllowedf(format string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(format, args...)}
}

// CycleError is returned when traversal of the event graph detects a cycle
// or exceeds the bounded depth, instead of looping forever.
type CycleError struct {
	RoomID string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("hearth: event graph cycle detected in room %s", e.RoomID)
}
