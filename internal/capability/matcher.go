// Package capability implements the capability matcher: deciding whether
// a participant's grant set allows a given envelope to be sent.
//
// The kind-pattern matcher generalizes the colon-segmented topic glob
// used by the GOX event bridge (see orchestrator.EventBridge.topicMatches)
// to `/`-segmented kind tokens with `!` negation. Payload pattern matching
// has no analogue in the teacher and is authored against the envelope's
// own json.RawMessage payload representation.
package capability

import (
	"encoding/json"
	"strings"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// Capability is a pattern granting (or, with Negate set, denying) the
// right to send envelopes matching it.
type Capability struct {
	Kind    string      `yaml:"kind" json:"kind"`                       // "/"-segmented pattern, e.g. "mcp/*", "chat"
	Payload interface{} `yaml:"payload,omitempty" json:"payload,omitempty"` // optional structural pattern over the payload
	Negate  bool        `yaml:"negate,omitempty" json:"negate,omitempty"`   // true marks this a negative ("!") capability
}

// Matches reports whether envelope e satisfies capability c's kind and
// payload patterns, independent of c's Negate flag (Negate is consulted
// by CanSend, not here).
func Matches(c Capability, e *envelope.Envelope) bool {
	if !kindMatches(c.Kind, e.Kind) {
		return false
	}
	if c.Payload == nil {
		return true
	}
	var payload interface{}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return false
	}
	return payloadMatches(c.Payload, payload)
}

// CanSend implements can_send(capabilities, envelope) = (∃ positive cap
// matches) ∧ ¬(∃ negative cap matches): the envelope is allowed only if
// some positive capability matches and no negative capability matches.
func CanSend(caps []Capability, e *envelope.Envelope) bool {
	allowed := false
	for _, c := range caps {
		if !Matches(c, e) {
			continue
		}
		if c.Negate {
			return false
		}
		allowed = true
	}
	return allowed
}

// kindMatches splits both pattern and kind on "/" and compares segment by
// segment; "*" matches any single segment. A pattern of exactly "*"
// matches every kind, however many segments it has; otherwise differing
// segment counts never match — there is no recursive "**" wildcard.
func kindMatches(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}

	patternParts := strings.Split(pattern, "/")
	kindParts := strings.Split(kind, "/")
	if len(patternParts) != len(kindParts) {
		return false
	}

	for i, p := range patternParts {
		if p == "*" {
			continue
		}
		if p != kindParts[i] {
			return false
		}
	}
	return true
}

// payloadMatches recursively compares a capability's payload pattern
// against the decoded envelope payload:
//   - "*"            matches any value
//   - scalar literal matches by equality
//   - []interface{}  every pattern element must match some value element
//   - map[string]... every pattern key must be present with a matching
//     value; keys absent from the pattern are ignored
func payloadMatches(pattern, value interface{}) bool {
	if s, ok := pattern.(string); ok && s == "*" {
		return true
	}

	switch p := pattern.(type) {
	case map[string]interface{}:
		v, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		for key, subPattern := range p {
			subValue, present := v[key]
			if !present {
				return false
			}
			if !payloadMatches(subPattern, subValue) {
				return false
			}
		}
		return true

	case []interface{}:
		v, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, subPattern := range p {
			found := false
			for _, subValue := range v {
				if payloadMatches(subPattern, subValue) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true

	default:
		return scalarEqual(pattern, value)
	}
}

// scalarEqual compares two decoded scalar values for equality, treating
// any combination of Go numeric types as equal by value so that a
// capability pattern loaded from YAML (which decodes integers as int)
// compares correctly against a payload decoded from JSON (which decodes
// all numbers as float64).
func scalarEqual(a, b interface{}) bool {
	af, aIsNum := toFloat64(a)
	bf, bIsNum := toFloat64(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return a == b
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
