package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

var (
	ErrVersion      = errors.New("invalid protocol version")
	ErrNoType       = errors.New("type is required")
	ErrNoMsgID      = errors.New("msg_id is required")
	ErrEmptyPayload = errors.New("payload is empty")
)

// Envelope wraps every named event exchanged over the channel. The payload
// is JSON regardless of the frame codec.
type Envelope struct {
	V       int             `json:"v" msgpack:"v"`
	Type    string          `json:"type" msgpack:"type"`
	MsgID   string          `json:"msg_id" msgpack:"msg_id"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewEnvelope builds a current-version envelope, marshaling payload when set.
func NewEnvelope(event, msgID string, payload any) (Envelope, error) {
	env := Envelope{V: ProtocolVersion, Type: event, MsgID: msgID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Payload = raw
	return env, nil
}

// Wrap builds an envelope for msg under the event name it declares.
func Wrap(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, errors.New("wrap: nil message")
	}
	return NewEnvelope(msg.Event(), NewMsgID(), msg)
}

func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 || bytes.Equal(e.Payload, []byte("null")) {
		return fmt.Errorf("%s: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ValidateBasic checks the header fields every frame must carry.
func (e Envelope) ValidateBasic() error {
	switch {
	case e.V != ProtocolVersion:
		return fmt.Errorf("%w: got %d, expected %d", ErrVersion, e.V, ProtocolVersion)
	case e.Type == "":
		return ErrNoType
	case e.MsgID == "":
		return ErrNoMsgID
	}
	return nil
}

func NewMsgID() string {
	return uuid.NewString()
}
