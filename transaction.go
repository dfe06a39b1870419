package hearth

import (
	"encoding/json"

	"github.com/hearth-im/hearth/spec"
)

// A TransactionID identifies a transaction sent between two servers. It
// must be unique among transactions from the origin to the destination
// but does not have to be globally unique.
type TransactionID string

// A Transaction is used to push PDUs and EDUs from one homeserver to
// another.
type Transaction struct {
	// The ID of the transaction.
	TransactionID TransactionID `json:"transaction_id,omitempty"`
	// The server that sent the transaction.
	Origin spec.ServerName `json:"origin,omitempty"`
	// The server the transaction is addressed to.
	Destination spec.ServerName `json:"destination,omitempty"`
	// When the origin server created the transaction, in milliseconds.
	OriginServerTS spec.Timestamp `json:"origin_server_ts,omitempty"`
	// The room events pushed by this transaction, as raw JSON: each PDU
	// is parsed and verified individually so that one malformed event
	// cannot poison its siblings.
	PDUs []spec.RawJSON `json:"pdus"`
	// The ephemeral events pushed by this transaction.
	EDUs []EDU `json:"edus,omitempty"`
}

// A PDUResult is the per-event outcome reported back to the sending
// server. An empty Error means the event was accepted.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// RespSend is the response body for a /send transaction.
type RespSend struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// An EDU is an ephemeral datum (presence, typing, receipts, to-device)
// exchanged between servers. EDUs are unsigned and never persisted.
type EDU struct {
	// Tells the receiver how to interpret the content.
	EDUType string
	// The JSON content of the EDU.
	Content []byte
}

// SetContent sets the JSON content of the EDU.
func (e *EDU) SetContent(content interface{}) (err error) {
	e.Content, err = json.Marshal(content)
	return
}

type eduFields struct {
	EDUType string       `json:"edu_type"`
	Content spec.RawJSON `json:"content"`
}

// MarshalJSON implements json.Marshaler.
func (e EDU) MarshalJSON() ([]byte, error) {
	return json.Marshal(eduFields{e.EDUType, spec.RawJSON(e.Content)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *EDU) UnmarshalJSON(data []byte) error {
	var fields eduFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	e.EDUType = fields.EDUType
	e.Content = []byte(fields.Content)
	return nil
}
