package control

import (
	"testing"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/registry"
)

type noopSender struct{}

func (noopSender) SendEnvelope(*envelope.Envelope) error { return nil }

func setup(t *testing.T) (*registry.Registry, *Manager) {
	t.Helper()
	reg := registry.New()
	if _, err := reg.Join("space-1", "bob", []capability.Capability{{Kind: "chat"}}, noopSender{}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return reg, NewManager(reg)
}

func TestPauseSetsPresenceAndState(t *testing.T) {
	reg, mgr := setup(t)
	req, _ := envelope.New("alice", "participant/pause", []string{"bob"}, map[string]interface{}{
		"pause_allow_list": []string{"system/*"},
	})

	reply, err := mgr.Pause("space-1", req, "bob")
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if reply.Kind != "participant/status" {
		t.Errorf("expected participant/status, got %q", reply.Kind)
	}
	if mgr.State("space-1", "bob") != StatePaused {
		t.Errorf("expected control state paused, got %q", mgr.State("space-1", "bob"))
	}
	if reg.Get("space-1", "bob").Presence != registry.PresencePaused {
		t.Error("expected registry presence to be paused")
	}
}

func TestResumeClearsPauseState(t *testing.T) {
	reg, mgr := setup(t)
	req, _ := envelope.New("alice", "participant/pause", []string{"bob"}, map[string]interface{}{})
	mgr.Pause("space-1", req, "bob")

	resumeReq, _ := envelope.New("alice", "participant/resume", []string{"bob"}, map[string]interface{}{})
	reply, err := mgr.Resume("space-1", resumeReq, "bob")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if reply.Kind != "participant/status" {
		t.Errorf("expected participant/status, got %q", reply.Kind)
	}
	if mgr.State("space-1", "bob") != StateActive {
		t.Errorf("expected control state active, got %q", mgr.State("space-1", "bob"))
	}
	if reg.Get("space-1", "bob").Presence != registry.PresenceActive {
		t.Error("expected registry presence to be active")
	}
}

func TestPauseDeadlineAutoResumes(t *testing.T) {
	reg, mgr := setup(t)
	deadline := time.Now().Add(30 * time.Millisecond)
	req, _ := envelope.New("alice", "participant/pause", []string{"bob"}, map[string]interface{}{
		"pause_until": deadline,
	})
	mgr.Pause("space-1", req, "bob")

	time.Sleep(300 * time.Millisecond)

	if mgr.State("space-1", "bob") != StateActive {
		t.Errorf("expected auto-resume to active, got %q", mgr.State("space-1", "bob"))
	}
	if reg.Get("space-1", "bob").Presence != registry.PresenceActive {
		t.Error("expected registry presence to auto-resume to active")
	}
}

func TestRestartCyclesThroughRestartingToActive(t *testing.T) {
	_, mgr := setup(t)
	req, _ := envelope.New("alice", "participant/restart", []string{"bob"}, map[string]interface{}{})

	reply, err := mgr.Restart("space-1", req, "bob")
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if reply.Kind != "participant/status" {
		t.Errorf("expected participant/status, got %q", reply.Kind)
	}
	if mgr.State("space-1", "bob") != StateRestarting {
		t.Fatalf("expected restarting, got %q", mgr.State("space-1", "bob"))
	}

	mgr.Ready("space-1", "bob")
	if mgr.State("space-1", "bob") != StateActive {
		t.Errorf("expected Ready to transition back to active, got %q", mgr.State("space-1", "bob"))
	}
}

func TestShutdownIsTerminal(t *testing.T) {
	_, mgr := setup(t)
	req, _ := envelope.New("alice", "participant/shutdown", []string{"bob"}, map[string]interface{}{})

	if _, err := mgr.Shutdown("space-1", req, "bob"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if mgr.State("space-1", "bob") != StateShuttingDown {
		t.Errorf("expected shutting_down, got %q", mgr.State("space-1", "bob"))
	}

	mgr.Ready("space-1", "bob") // Ready should not resurrect a shutting-down participant
	if mgr.State("space-1", "bob") != StateShuttingDown {
		t.Error("expected shutting_down to remain terminal")
	}
}

func TestRequestStatusTracksPendingIDsUntilObserved(t *testing.T) {
	reg, mgr := setup(t)
	req, _ := envelope.New("alice", "participant/request-status", []string{"bob"}, map[string]interface{}{})

	if err := mgr.RequestStatus("space-1", req, "bob"); err != nil {
		t.Fatalf("RequestStatus failed: %v", err)
	}
	if len(reg.Get("space-1", "bob").PendingStatusRequestIDs) != 1 {
		t.Fatal("expected one pending status request id")
	}

	mgr.ObserveStatus("space-1", "bob")
	if len(reg.Get("space-1", "bob").PendingStatusRequestIDs) != 0 {
		t.Error("expected ObserveStatus to clear pending ids")
	}
}

func TestOnTransitionNotifiesEachStateChange(t *testing.T) {
	_, mgr := setup(t)
	var transitions []State
	mgr.OnTransition(func(spaceID, participantID string, state State, reason string) {
		transitions = append(transitions, state)
	})

	req, _ := envelope.New("alice", "participant/pause", []string{"bob"}, map[string]interface{}{})
	mgr.Pause("space-1", req, "bob")
	resumeReq, _ := envelope.New("alice", "participant/resume", []string{"bob"}, map[string]interface{}{})
	mgr.Resume("space-1", resumeReq, "bob")

	if len(transitions) != 2 || transitions[0] != StatePaused || transitions[1] != StateActive {
		t.Errorf("unexpected transition sequence: %v", transitions)
	}
}
