// Package envelope provides the universal message structure for MEW
// participant communication.
//
// Every message exchanged inside a space — chat, MCP request/response,
// proposals, reasoning traces, stream control — is wrapped in an Envelope.
// The envelope carries routing (from/to), correlation, and context
// metadata alongside a kind-specific payload.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the envelope protocol tag this gateway understands.
// Envelopes whose protocol tag does not match this value are rejected
// during codec validation (see codec.go).
const ProtocolVersion = "mew/v0.4"

// Envelope is the universal message unit flowing through a space.
//
// Fields are set in two phases: participants fill in everything except
// `ts` (and, on first send, `from`); the gateway stamps `ts` on ingress
// and verifies or fills `from` against the authenticated sender identity.
type Envelope struct {
	Protocol string `json:"protocol"` // Envelope protocol version tag, e.g. "mew/v0.4"
	ID       string `json:"id"`       // Unique envelope id (UUID), unique per connection lifetime

	TS   time.Time `json:"ts"`   // Gateway ingress timestamp (overwritten on ingress)
	From string    `json:"from"` // Authenticated sender participant id

	To []string `json:"to,omitempty"` // Addressed recipients; nil/empty = broadcast to space

	Kind string `json:"kind"` // Hierarchical dotted/slashed token, e.g. "mcp/request"

	CorrelationID []string `json:"correlation_id,omitempty"` // Envelope ids this message relates to
	Context       string   `json:"context,omitempty"`        // Workflow/reasoning scope grouping

	Payload json.RawMessage `json:"payload"` // Kind-specific structured payload
}

// New creates an envelope with a generated id and the configured protocol
// tag. `ts` is left zero; the gateway stamps it on ingress. `from` is
// supplied by the caller for participant-side construction and is
// re-verified (or filled, if empty) by the gateway codec.
func New(from, kind string, to []string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Protocol: ProtocolVersion,
		ID:       uuid.New().String(),
		From:     from,
		To:       to,
		Kind:     kind,
		Payload:  raw,
	}, nil
}

// Reply creates a response envelope correlated to the given envelope's id,
// addressed back to its sender.
func Reply(original *Envelope, from, kind string, payload interface{}) (*Envelope, error) {
	env, err := New(from, kind, []string{original.From}, payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = []string{original.ID}
	env.Context = original.Context
	return env, nil
}

// IsBroadcast reports whether this envelope has no addressed recipients
// and should be delivered to every other active participant in the space.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// CorrelatesWith reports whether id appears in the envelope's
// correlation_id list.
func (e *Envelope) CorrelatesWith(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// UnmarshalPayload unmarshals the payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// ToJSON serializes the envelope to a single-line JSON text frame.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope from a JSON text frame.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Clone returns a deep copy of the envelope, safe to mutate independently
// of the original (used when queueing the same envelope for multiple
// recipients).
func (e *Envelope) Clone() *Envelope {
	clone := *e

	if e.To != nil {
		clone.To = make([]string, len(e.To))
		copy(clone.To, e.To)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = make([]string, len(e.CorrelationID))
		copy(clone.CorrelationID, e.CorrelationID)
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}

	return &clone
}

// Size returns the approximate wire size of the envelope in bytes.
func (e *Envelope) Size() int {
	data, err := e.ToJSON()
	if err != nil {
		return 0
	}
	return len(data)
}

// Validate checks structural requirements common to every envelope,
// independent of the ingress codec's protocol/identity checks.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	return nil
}

// ValidationError reports a single structural envelope defect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
