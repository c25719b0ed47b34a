package capability

import (
	"testing"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

func mustEnvelope(t *testing.T, kind string, payload interface{}) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New("alice", kind, []string{"bob"}, payload)
	if err != nil {
		t.Fatalf("envelope.New failed: %v", err)
	}
	return e
}

func TestKindMatches(t *testing.T) {
	cases := []struct {
		pattern, kind string
		want          bool
	}{
		{"*", "chat", true},
		{"chat", "chat", true},
		{"chat", "mcp/request", false},
		{"mcp/*", "mcp/request", true},
		{"mcp/*", "mcp/request/extra", false},
		{"mcp/request", "mcp/response", false},
	}
	for _, tc := range cases {
		c := Capability{Kind: tc.pattern}
		e := mustEnvelope(t, tc.kind, map[string]string{})
		if got := Matches(c, e); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.pattern, tc.kind, got, tc.want)
		}
	}
}

func TestPayloadPatternScalarAndWildcard(t *testing.T) {
	e := mustEnvelope(t, "mcp/request", map[string]interface{}{"method": "tools/list"})

	wildcard := Capability{Kind: "mcp/request", Payload: map[string]interface{}{"method": "*"}}
	if !Matches(wildcard, e) {
		t.Error("wildcard payload pattern should match")
	}

	exact := Capability{Kind: "mcp/request", Payload: map[string]interface{}{"method": "tools/list"}}
	if !Matches(exact, e) {
		t.Error("exact payload pattern should match")
	}

	mismatch := Capability{Kind: "mcp/request", Payload: map[string]interface{}{"method": "tools/call"}}
	if Matches(mismatch, e) {
		t.Error("mismatched payload pattern should not match")
	}

	unspecifiedKeysIgnored := Capability{Kind: "mcp/request", Payload: map[string]interface{}{}}
	if !Matches(unspecifiedKeysIgnored, e) {
		t.Error("empty payload pattern should match (unspecified keys ignored)")
	}
}

func TestPayloadPatternArray(t *testing.T) {
	e := mustEnvelope(t, "chat", map[string]interface{}{"tags": []interface{}{"urgent", "bug", "p1"}})

	c := Capability{Kind: "chat", Payload: map[string]interface{}{
		"tags": []interface{}{"urgent"},
	}}
	if !Matches(c, e) {
		t.Error("array subset pattern should match when element is present")
	}

	missing := Capability{Kind: "chat", Payload: map[string]interface{}{
		"tags": []interface{}{"missing-tag"},
	}}
	if Matches(missing, e) {
		t.Error("array subset pattern should not match when element is absent")
	}
}

func TestPayloadPatternNestedObject(t *testing.T) {
	e := mustEnvelope(t, "mcp/request", map[string]interface{}{
		"params": map[string]interface{}{"tool": "search", "scope": "repo"},
	})

	c := Capability{Kind: "mcp/request", Payload: map[string]interface{}{
		"params": map[string]interface{}{"tool": "search"},
	}}
	if !Matches(c, e) {
		t.Error("nested object pattern should match on present subset")
	}
}

func TestScalarEqualNumericCrossType(t *testing.T) {
	e := mustEnvelope(t, "chat", map[string]interface{}{"count": 3})
	c := Capability{Kind: "chat", Payload: map[string]interface{}{"count": 3}}
	if !Matches(c, e) {
		t.Error("int pattern should match float64-decoded JSON number")
	}
}

func TestCanSendPositiveOnly(t *testing.T) {
	e := mustEnvelope(t, "chat", map[string]string{"text": "hi"})
	caps := []Capability{{Kind: "chat"}}
	if !CanSend(caps, e) {
		t.Error("expected CanSend true with matching positive capability")
	}
}

func TestCanSendNoMatch(t *testing.T) {
	e := mustEnvelope(t, "mcp/request", map[string]string{"method": "tools/list"})
	caps := []Capability{{Kind: "chat"}}
	if CanSend(caps, e) {
		t.Error("expected CanSend false when no capability matches")
	}
}

func TestCanSendNegationOverridesPositive(t *testing.T) {
	e := mustEnvelope(t, "mcp/request", map[string]interface{}{"method": "tools/call", "tool": "delete_all"})
	caps := []Capability{
		{Kind: "mcp/request"},
		{Kind: "mcp/request", Payload: map[string]interface{}{"tool": "delete_all"}, Negate: true},
	}
	if CanSend(caps, e) {
		t.Error("expected CanSend false when a negative capability matches")
	}
}

func TestCanSendNegationDoesNotAffectUnrelatedEnvelopes(t *testing.T) {
	e := mustEnvelope(t, "mcp/request", map[string]interface{}{"method": "tools/call", "tool": "search"})
	caps := []Capability{
		{Kind: "mcp/request"},
		{Kind: "mcp/request", Payload: map[string]interface{}{"tool": "delete_all"}, Negate: true},
	}
	if !CanSend(caps, e) {
		t.Error("expected CanSend true when the negative capability does not match this envelope")
	}
}
