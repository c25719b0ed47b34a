package router

import (
	"testing"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/registry"
)

type recordingSender struct {
	received []*envelope.Envelope
}

func (s *recordingSender) SendEnvelope(env *envelope.Envelope) error {
	s.received = append(s.received, env)
	return nil
}

func setupSpace(t *testing.T) (*registry.Registry, *Router, map[string]*recordingSender) {
	t.Helper()
	reg := registry.New()
	r := New(reg)

	senders := map[string]*recordingSender{
		"alice": {},
		"bob":   {},
	}
	if _, err := reg.Join("space-1", "alice", []capability.Capability{{Kind: "chat"}, {Kind: "mcp/proposal"}}, senders["alice"]); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := reg.Join("space-1", "bob", []capability.Capability{{Kind: "*"}}, senders["bob"]); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	reg.SetPresence("space-1", "alice", registry.PresenceActive)
	reg.SetPresence("space-1", "bob", registry.PresenceActive)

	return reg, r, senders
}

func TestRouteBroadcastDeliversToEveryoneButSender(t *testing.T) {
	reg, r, senders := setupSpace(t)
	alice := reg.Get("space-1", "alice")

	env, _ := envelope.New("alice", "chat", nil, map[string]string{"text": "hi all"})
	r.Route("space-1", alice, env)

	if len(senders["bob"].received) != 1 {
		t.Fatalf("expected bob to receive 1 envelope, got %d", len(senders["bob"].received))
	}
	if len(senders["alice"].received) != 0 {
		t.Errorf("sender should not receive its own broadcast, got %d", len(senders["alice"].received))
	}
}

func TestRouteAddressedDeliversOnlyToRecipients(t *testing.T) {
	reg, r, senders := setupSpace(t)
	bob := reg.Get("space-1", "bob")

	env, _ := envelope.New("bob", "chat", []string{"alice"}, map[string]string{"text": "hey"})
	r.Route("space-1", bob, env)

	if len(senders["alice"].received) != 1 {
		t.Fatalf("expected alice to receive 1 envelope, got %d", len(senders["alice"].received))
	}
}

func TestRouteCapabilityViolationRepliesToSender(t *testing.T) {
	reg, r, senders := setupSpace(t)
	alice := reg.Get("space-1", "alice")

	env, _ := envelope.New("alice", "mcp/request", []string{"bob"}, map[string]string{"method": "tools/list"})
	r.Route("space-1", alice, env)

	if len(senders["bob"].received) != 0 {
		t.Error("bob should not receive an envelope alice lacked capability to send")
	}
	if len(senders["alice"].received) != 1 {
		t.Fatalf("expected alice to receive a capability_violation error, got %d envelopes", len(senders["alice"].received))
	}

	var payload envelope.ErrorPayload
	if err := senders["alice"].received[0].UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if payload.Code != envelope.ErrCapabilityViolation {
		t.Errorf("expected code %q, got %q", envelope.ErrCapabilityViolation, payload.Code)
	}
}

func TestRoutePausedRecipientQueuesUntilFlush(t *testing.T) {
	reg, r, senders := setupSpace(t)
	reg.SetPresence("space-1", "bob", registry.PresencePaused)
	alice := reg.Get("space-1", "alice")

	env, _ := envelope.New("alice", "chat", []string{"bob"}, map[string]string{"text": "while paused"})
	r.Route("space-1", alice, env)

	if len(senders["bob"].received) != 0 {
		t.Fatalf("paused recipient should not receive immediately, got %d", len(senders["bob"].received))
	}

	r.FlushPaused("space-1", "bob")

	if len(senders["bob"].received) != 1 {
		t.Fatalf("expected queued envelope delivered on flush, got %d", len(senders["bob"].received))
	}
}

func TestPauseQueueOverflowDropsOldestAndCounts(t *testing.T) {
	reg, r, senders := setupSpace(t)
	reg.SetPresence("space-1", "bob", registry.PresencePaused)
	alice := reg.Get("space-1", "alice")

	for i := 0; i < DefaultPauseQueueDepth+5; i++ {
		env, _ := envelope.New("alice", "chat", []string{"bob"}, map[string]int{"i": i})
		r.Route("space-1", alice, env)
	}

	if drops := r.PauseDropCount("space-1", "bob"); drops != 5 {
		t.Errorf("expected 5 drops, got %d", drops)
	}
	// Reporting resets the counter.
	if drops := r.PauseDropCount("space-1", "bob"); drops != 0 {
		t.Errorf("expected drop count reset after report, got %d", drops)
	}

	r.FlushPaused("space-1", "bob")
	if len(senders["bob"].received) != DefaultPauseQueueDepth {
		t.Errorf("expected %d queued envelopes delivered, got %d", DefaultPauseQueueDepth, len(senders["bob"].received))
	}
}

func TestPauseAllowListBypassesQueue(t *testing.T) {
	reg, r, senders := setupSpace(t)
	reg.SetPresence("space-1", "bob", registry.PresencePaused)
	reg.SetPauseAllowList("space-1", "bob", []string{"system/*"})
	alice := reg.Get("space-1", "alice")

	env, _ := envelope.New("alice", "system/error", []string{"bob"}, map[string]string{"code": "test"})
	r.Route("space-1", alice, env)

	if len(senders["bob"].received) != 1 {
		t.Fatalf("expected allow-listed kind to bypass pause queue, got %d", len(senders["bob"].received))
	}
}
