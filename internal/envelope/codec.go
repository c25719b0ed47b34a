package envelope

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxSize is the default envelope size cap in bytes (see spec §4.1).
const DefaultMaxSize = 1 << 20 // 1 MiB

// DefaultDedupWindow bounds how many recent envelope ids a connection
// remembers for duplicate detection.
const DefaultDedupWindow = 256

// ErrorCode enumerates the system/error.code taxonomy (spec §7).
type ErrorCode string

const (
	ErrProtocolMismatch   ErrorCode = "protocol_mismatch"
	ErrMalformedEnvelope  ErrorCode = "malformed_envelope"
	ErrAuthFailed         ErrorCode = "auth_failed"
	ErrConflict           ErrorCode = "conflict"
	ErrCapabilityViolation ErrorCode = "capability_violation"
	ErrUnknownRecipient   ErrorCode = "unknown_recipient"
	ErrBackpressure       ErrorCode = "backpressure"
	ErrRateLimited        ErrorCode = "rate_limited"
	ErrIdleTimeout        ErrorCode = "idle_timeout"
	ErrInternal           ErrorCode = "internal"
)

// CodecError is a validation failure surfaced to the sender as a
// system/error envelope rather than a connection close, unless Fatal is
// set (protocol mismatch, auth failure — see spec §4.1, §7 Propagation).
// Repeated malformed envelopes are not marked Fatal; the caller counts
// them and closes the connection itself.
type CodecError struct {
	Code    ErrorCode
	Message string
	Fatal   bool
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorPayload is the payload shape for system/error envelopes.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// ToErrorEnvelope builds the system/error envelope the gateway sends back
// to the sender for a codec failure.
func (e *CodecError) ToErrorEnvelope(to string) *Envelope {
	env, _ := New("gateway", "system/error", []string{to}, ErrorPayload{
		Code:    e.Code,
		Message: e.Message,
	})
	return env
}

// Codec validates and stamps inbound envelopes for one connection.
// It is not safe for concurrent use by multiple goroutines reading the
// same connection simultaneously — each connection owns exactly one
// Codec, matching the single-reader-goroutine-per-connection model
// (spec §5 Scheduling model).
type Codec struct {
	maxSize int

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	dedupCap int
}

// NewCodec constructs a Codec with the given size cap and dedup window.
// A zero maxSize/dedupCap selects the package defaults.
func NewCodec(maxSize, dedupCap int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if dedupCap <= 0 {
		dedupCap = DefaultDedupWindow
	}
	return &Codec{
		maxSize:  maxSize,
		seen:     make(map[string]struct{}, dedupCap),
		dedupCap: dedupCap,
	}
}

// Decode parses a raw text frame into an Envelope without performing
// ingress validation (size cap is checked against the raw frame first).
func (c *Codec) Decode(frame []byte) (*Envelope, error) {
	if len(frame) > c.maxSize {
		return nil, &CodecError{Code: ErrMalformedEnvelope, Message: "envelope exceeds size cap"}
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &CodecError{Code: ErrMalformedEnvelope, Message: "invalid JSON: " + err.Error()}
	}
	return &env, nil
}

// ValidateIngress enforces protocol tag, required fields, `from` identity,
// and duplicate-id rejection, then stamps `ts`. authenticatedID is the
// identity resolved for this connection at join time.
func (c *Codec) ValidateIngress(env *Envelope, authenticatedID string) error {
	if env.Protocol != ProtocolVersion {
		return &CodecError{Code: ErrProtocolMismatch, Message: "unsupported protocol: " + env.Protocol, Fatal: true}
	}
	if env.ID == "" || env.Kind == "" || env.Payload == nil {
		return &CodecError{Code: ErrMalformedEnvelope, Message: "missing required field"}
	}

	if env.From == "" {
		env.From = authenticatedID
	} else if env.From != authenticatedID {
		return &CodecError{Code: ErrMalformedEnvelope, Message: "from does not match authenticated identity"}
	}

	if c.isDuplicate(env.ID) {
		return &CodecError{Code: ErrMalformedEnvelope, Message: "duplicate envelope id"}
	}

	env.TS = time.Now().UTC()
	return nil
}

// isDuplicate reports whether id has been seen in the recent window and
// records it if not, evicting the oldest entry once the window is full.
func (c *Codec) isDuplicate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}

	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.dedupCap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}
