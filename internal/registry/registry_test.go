package registry

import (
	"testing"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) SendEnvelope(env *envelope.Envelope) error {
	f.sent = append(f.sent, env.Kind)
	return nil
}

func TestJoinAndGet(t *testing.T) {
	r := New()
	caps := []capability.Capability{{Kind: "chat"}}

	p, err := r.Join("space-1", "alice", caps, &fakeSender{})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if p.Presence != PresenceJoining {
		t.Errorf("expected initial presence %q, got %q", PresenceJoining, p.Presence)
	}

	got := r.Get("space-1", "alice")
	if got == nil || got.ID != "alice" {
		t.Fatalf("expected to find alice, got %v", got)
	}
}

func TestJoinConflict(t *testing.T) {
	r := New()
	if _, err := r.Join("space-1", "alice", nil, &fakeSender{}); err != nil {
		t.Fatalf("first join failed: %v", err)
	}

	_, err := r.Join("space-1", "alice", nil, &fakeSender{})
	if err == nil {
		t.Fatal("expected conflict error on duplicate join")
	}
	if _, ok := err.(*ErrConflict); !ok {
		t.Errorf("expected *ErrConflict, got %T", err)
	}
}

func TestLeaveRemovesParticipant(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", nil, &fakeSender{})
	r.Leave("space-1", "alice")

	if got := r.Get("space-1", "alice"); got != nil {
		t.Errorf("expected alice to be removed, got %v", got)
	}
}

func TestListReturnsAllParticipants(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", nil, &fakeSender{})
	r.Join("space-1", "bob", nil, &fakeSender{})
	r.Join("space-2", "carol", nil, &fakeSender{})

	list := r.List("space-1")
	if len(list) != 2 {
		t.Fatalf("expected 2 participants in space-1, got %d", len(list))
	}
}

func TestSetPresenceTransitions(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", nil, &fakeSender{})

	if err := r.SetPresence("space-1", "alice", PresenceActive); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	if got := r.Get("space-1", "alice").Presence; got != PresenceActive {
		t.Errorf("presence = %q, want %q", got, PresenceActive)
	}
}

func TestSetPresenceUnknownParticipant(t *testing.T) {
	r := New()
	if err := r.SetPresence("space-1", "ghost", PresenceActive); err == nil {
		t.Error("expected error setting presence for unknown participant")
	}
}

func TestUpdateCapabilities(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", []capability.Capability{{Kind: "chat"}}, &fakeSender{})

	newCaps := []capability.Capability{{Kind: "mcp/*"}}
	if err := r.UpdateCapabilities("space-1", "alice", newCaps); err != nil {
		t.Fatalf("UpdateCapabilities failed: %v", err)
	}
	if got := r.Get("space-1", "alice").Capabilities; len(got) != 1 || got[0].Kind != "mcp/*" {
		t.Errorf("capabilities not updated: %v", got)
	}
}

func TestSetPauseAllowList(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", nil, &fakeSender{})

	if err := r.SetPauseAllowList("space-1", "alice", []string{"system/*"}); err != nil {
		t.Fatalf("SetPauseAllowList failed: %v", err)
	}
	got := r.Get("space-1", "alice").PauseAllowList
	if len(got) != 1 || got[0] != "system/*" {
		t.Errorf("pause allow list not set: %v", got)
	}
}

func TestSetPauseUntilRecordsAndClearsDeadline(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", nil, &fakeSender{})

	deadline := time.Now().Add(time.Minute)
	if err := r.SetPauseUntil("space-1", "alice", &deadline); err != nil {
		t.Fatalf("SetPauseUntil failed: %v", err)
	}
	got := r.Get("space-1", "alice").PauseUntil
	if got == nil || !got.Equal(deadline) {
		t.Errorf("expected pause deadline %v, got %v", deadline, got)
	}

	if err := r.SetPauseUntil("space-1", "alice", nil); err != nil {
		t.Fatalf("SetPauseUntil (clear) failed: %v", err)
	}
	if r.Get("space-1", "alice").PauseUntil != nil {
		t.Error("expected pause deadline cleared")
	}
}

func TestSetPauseUntilUnknownParticipant(t *testing.T) {
	r := New()
	deadline := time.Now().Add(time.Minute)
	if err := r.SetPauseUntil("space-1", "ghost", &deadline); err == nil {
		t.Error("expected an error for an unknown participant")
	}
}

func TestPendingStatusRequestsAccumulateAndClear(t *testing.T) {
	r := New()
	r.Join("space-1", "alice", nil, &fakeSender{})

	if err := r.AddPendingStatusRequest("space-1", "alice", "req-1"); err != nil {
		t.Fatalf("AddPendingStatusRequest failed: %v", err)
	}
	if err := r.AddPendingStatusRequest("space-1", "alice", "req-2"); err != nil {
		t.Fatalf("AddPendingStatusRequest failed: %v", err)
	}
	got := r.Get("space-1", "alice").PendingStatusRequestIDs
	if len(got) != 2 || got[0] != "req-1" || got[1] != "req-2" {
		t.Errorf("expected both pending request ids tracked in order, got %v", got)
	}

	if err := r.ClearPendingStatusRequests("space-1", "alice"); err != nil {
		t.Fatalf("ClearPendingStatusRequests failed: %v", err)
	}
	if got := r.Get("space-1", "alice").PendingStatusRequestIDs; got != nil {
		t.Errorf("expected pending request ids cleared, got %v", got)
	}
}

func TestPendingStatusRequestUnknownParticipant(t *testing.T) {
	r := New()
	if err := r.AddPendingStatusRequest("space-1", "ghost", "req-1"); err == nil {
		t.Error("expected an error for an unknown participant")
	}
	if err := r.ClearPendingStatusRequests("space-1", "ghost"); err == nil {
		t.Error("expected an error for an unknown participant")
	}
}
