package federationapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/roomserver"
	"github.com/hearth-im/hearth/spec"
	"github.com/matrix-org/util"
	"github.com/oleiade/lane/v2"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// A TransactionProcessor feeds the PDUs of inbound transactions through
// the admission pipeline and dispatches EDUs to their handlers.
type TransactionProcessor struct {
	Inputer *roomserver.Inputer
	Rooms   roomserver.RoomRegistry
	EDUs    map[string]EDUHandler
}

// ProcessTransaction handles every PDU and EDU in the transaction. A PDU
// that fails is reported in its own result and never aborts its siblings;
// the returned error is reserved for failures of the transaction itself.
//
// PDUs are processed parents-first (depth ascending) so that an event
// arriving in the same transaction as its auth events can use them.
func (p *TransactionProcessor) ProcessTransaction(ctx context.Context, t *hearth.Transaction) (*hearth.RespSend, error) {
	results := make(map[string]hearth.PDUResult, len(t.PDUs))

	ordered := lane.NewMinPriorityQueue[spec.RawJSON, int64]()
	for _, pdu := range t.PDUs {
		ordered.Push(pdu, gjson.GetBytes(pdu, "depth").Int())
	}

	for ordered.Size() > 0 {
		pdu, _, _ := ordered.Pop()
		eventID, result := p.processPDU(ctx, pdu)
		if eventID == "" {
			// Without even an event ID there is nothing to key the
			// result on; the event never existed as far as the room is
			// concerned.
			util.GetLogger(ctx).WithField("error", result.Error).Warn("Discarding unidentifiable PDU")
			continue
		}
		results[eventID] = result
	}

	for _, edu := range t.EDUs {
		p.dispatchEDU(ctx, t.Origin, edu)
	}

	return &hearth.RespSend{PDUs: results}, nil
}

// processPDU admits one PDU, mapping the admission outcome to the wire
// result. Soft failure counts as acceptance: the sending server did
// nothing wrong, the event is just not part of our current state.
func (p *TransactionProcessor) processPDU(ctx context.Context, pdu spec.RawJSON) (string, hearth.PDUResult) {
	// Hash-derived room versions never carry an event_id field, so the
	// result key has to be computed from the event itself.
	eventID := gjson.GetBytes(pdu, "event_id").String()
	if eventID == "" {
		eventID, _ = hearth.EventIDFromJSON(pdu)
	}
	roomID := gjson.GetBytes(pdu, "room_id").String()
	if roomID == "" {
		return eventID, hearth.PDUResult{Error: "event has no room_id"}
	}

	version, err := p.roomVersionFor(ctx, pdu, roomID)
	if err != nil {
		return eventID, hearth.PDUResult{Error: err.Error()}
	}

	event, err := p.Inputer.InputEvent(ctx, version, []byte(pdu), false)
	if err != nil && spec.KindOf(err) != spec.KindAuthSoftFailed {
		return eventID, hearth.PDUResult{Error: err.Error()}
	}
	return event.EventID(), hearth.PDUResult{}
}

// roomVersionFor finds the version to parse a PDU at: the room's
// registered version, or for a create event of an unknown room, the
// version the event itself declares.
func (p *TransactionProcessor) roomVersionFor(ctx context.Context, pdu spec.RawJSON, roomID string) (hearth.RoomVersion, error) {
	room, err := p.Rooms.Room(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room != nil {
		return room.Version, nil
	}

	isCreate := gjson.GetBytes(pdu, "type").String() == spec.MRoomCreate &&
		gjson.GetBytes(pdu, "state_key").String() == ""
	if !isCreate {
		return "", fmt.Errorf("event is for unknown room %q", roomID)
	}
	if v := gjson.GetBytes(pdu, "content.room_version"); v.Exists() {
		return hearth.RoomVersion(v.String()), nil
	}
	return hearth.RoomVersionDefault, nil
}

// An EDUHandler consumes one ephemeral event from a remote server.
type EDUHandler func(ctx context.Context, origin spec.ServerName, content []byte) error

// DefaultEDUHandlers returns the dispatch table for the EDU types this
// server understands. The handlers only log; ephemeral data carries no
// room state and nothing downstream consumes it yet.
func DefaultEDUHandlers() map[string]EDUHandler {
	log := func(what string) EDUHandler {
		return func(ctx context.Context, origin spec.ServerName, content []byte) error {
			util.GetLogger(ctx).WithFields(logrus.Fields{
				"origin": origin,
				"edu":    what,
			}).Debug("Received ephemeral event")
			return nil
		}
	}
	return map[string]EDUHandler{
		spec.MPresence:       log(spec.MPresence),
		spec.MTyping:         log(spec.MTyping),
		spec.MReceipt:        log(spec.MReceipt),
		spec.MDirectToDevice: handleDirectToDevice,
	}
}

// handleDirectToDevice checks the minimal shape of a to-device EDU before
// logging it, since unlike the other ephemeral types it is addressed.
func handleDirectToDevice(ctx context.Context, origin spec.ServerName, content []byte) error {
	var payload struct {
		Sender    string          `json:"sender"`
		Type      string          `json:"type"`
		MessageID string          `json:"message_id"`
		Messages  json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(content, &payload); err != nil {
		return fmt.Errorf("federationapi: malformed m.direct_to_device: %w", err)
	}
	util.GetLogger(ctx).WithFields(logrus.Fields{
		"origin":     origin,
		"sender":     payload.Sender,
		"type":       payload.Type,
		"message_id": payload.MessageID,
	}).Debug("Received to-device messages")
	return nil
}

// dispatchEDU routes one EDU to its handler. Unknown types are dropped
// silently, as required for forward compatibility.
func (p *TransactionProcessor) dispatchEDU(ctx context.Context, origin spec.ServerName, edu hearth.EDU) {
	handler, ok := p.EDUs[edu.EDUType]
	if !ok {
		return
	}
	if err := handler(ctx, origin, edu.Content); err != nil {
		util.GetLogger(ctx).WithError(err).WithField("edu", edu.EDUType).Warn("EDU handler failed")
	}
}
