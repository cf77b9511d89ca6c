package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sandpolis/agent/errors"
)

// Kind distinguishes requests from responses
type Kind string

const (
	// KindRequest asks the peer to run a command
	KindRequest Kind = "request"
	// KindResponse carries the Outcome of an earlier request
	KindResponse Kind = "response"
)

// Envelope is one message on a transport link. Responses reuse the ID of
// the request they answer.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Outcome *Outcome        `json:"outcome,omitempty"`
}

// NewRequest builds a request with a fresh correlation ID. payload may be
// nil.
func NewRequest(command string, payload any) (Envelope, error) {
	env := Envelope{
		ID:      uuid.NewString(),
		Kind:    KindRequest,
		Command: command,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, errors.WrapInvalid(err, "message", "NewRequest", "encode payload")
		}
		env.Payload = data
	}
	return env, nil
}

// Reply builds the response to e
func (e Envelope) Reply(outcome Outcome) Envelope {
	return Envelope{
		ID:      e.ID,
		Kind:    KindResponse,
		Command: e.Command,
		Outcome: &outcome,
	}
}

// DecodePayload unmarshals the payload into v
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.WrapInvalid(fmt.Errorf("empty payload"), "Envelope", "DecodePayload", "decode "+e.Command)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.WrapInvalid(err, "Envelope", "DecodePayload", "decode "+e.Command)
	}
	return nil
}

// Validate checks the fields required for routing
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("missing id"), "Envelope", "Validate", "validate envelope")
	}
	switch e.Kind {
	case KindRequest:
		if e.Command == "" {
			return errors.WrapInvalid(fmt.Errorf("request %s has no command", e.ID),
				"Envelope", "Validate", "validate envelope")
		}
	case KindResponse:
		if e.Outcome == nil {
			return errors.WrapInvalid(fmt.Errorf("response %s has no outcome", e.ID),
				"Envelope", "Validate", "validate envelope")
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown kind %q", e.Kind), "Envelope", "Validate", "validate envelope")
	}
	return nil
}

// Marshal encodes e as JSON
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates an envelope
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "message", "Unmarshal", "decode envelope")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
