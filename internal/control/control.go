// Package control implements the Control Plane Handlers of spec.md §4.9:
// pause, resume, forget, clear, restart, shutdown, and request-status,
// plus the per-participant control-plane state machine
// (active/paused/restarting/shutting_down) those handlers drive.
//
// The teacher's agent.LifecycleManager (referenced by
// public/agent/base.go as BaseAgent.Lifecycle) was not present in the
// retrieval pack, so Manager is authored fresh against spec.md §4.9; its
// shape — a small per-entity state store plus a SetState(id, state,
// reason) transition with a notify callback — mirrors the *usage* of
// Lifecycle visible in base.go (NewBaseAgent's
// "Lifecycle.SetState(StateConfigured, ...)" calls), not a copied
// implementation.
package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/registry"
)

// State is a participant's control-plane state, independent of (but
// usually mirrored into) its registry.Presence.
type State string

const (
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateRestarting   State = "restarting"
	StateShuttingDown State = "shutting_down"
)

// NotifyFunc is invoked whenever Manager transitions a participant's
// control-plane state.
type NotifyFunc func(spaceID, participantID string, state State, reason string)

// Manager drives the control-plane state machine and handlers on top of
// the shared participant registry.
type Manager struct {
	reg *registry.Registry

	mu     sync.Mutex
	states map[string]State // "spaceID/participantID" -> State
	timers map[string]*time.Timer

	notify NotifyFunc
}

// NewManager constructs a Manager backed by reg.
func NewManager(reg *registry.Registry) *Manager {
	return &Manager{
		reg:    reg,
		states: make(map[string]State),
		timers: make(map[string]*time.Timer),
	}
}

// OnTransition registers the state-change notification callback.
func (m *Manager) OnTransition(fn NotifyFunc) { m.notify = fn }

func key(spaceID, participantID string) string { return spaceID + "/" + participantID }

// State returns a participant's current control-plane state, defaulting
// to StateActive if never explicitly set.
func (m *Manager) State(spaceID, participantID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[key(spaceID, participantID)]; ok {
		return s
	}
	return StateActive
}

func (m *Manager) setState(spaceID, participantID string, state State, reason string) {
	m.mu.Lock()
	m.states[key(spaceID, participantID)] = state
	m.mu.Unlock()

	if m.notify != nil {
		m.notify(spaceID, participantID, state, reason)
	}
}

// Pause transitions target into paused, recording an optional deadline
// and allow-list, and schedules an auto-resume timer when a deadline is
// given. Returns the participant/status acknowledgment envelope.
func (m *Manager) Pause(spaceID string, req *envelope.Envelope, target string) (*envelope.Envelope, error) {
	var body struct {
		PauseUntil *time.Time `json:"pause_until"`
		AllowList  []string   `json:"pause_allow_list"`
		Reason     string     `json:"reason"`
	}
	_ = req.UnmarshalPayload(&body)

	if err := m.reg.SetPresence(spaceID, target, registry.PresencePaused); err != nil {
		return nil, fmt.Errorf("pause %s: %w", target, err)
	}
	if err := m.reg.SetPauseAllowList(spaceID, target, body.AllowList); err != nil {
		return nil, fmt.Errorf("pause %s: set allow list: %w", target, err)
	}
	if err := m.reg.SetPauseUntil(spaceID, target, body.PauseUntil); err != nil {
		return nil, fmt.Errorf("pause %s: set deadline: %w", target, err)
	}

	m.cancelTimer(spaceID, target)
	if body.PauseUntil != nil {
		delay := time.Until(*body.PauseUntil)
		if delay < 0 {
			delay = 0
		}
		m.mu.Lock()
		m.timers[key(spaceID, target)] = time.AfterFunc(delay, func() {
			m.autoResume(spaceID, target)
		})
		m.mu.Unlock()
	}

	m.setState(spaceID, target, StatePaused, body.Reason)
	return statusEnvelope(req, target, StatePaused)
}

// Resume clears a participant's pause state and returns a
// participant/status acknowledgment.
func (m *Manager) Resume(spaceID string, req *envelope.Envelope, target string) (*envelope.Envelope, error) {
	m.cancelTimer(spaceID, target)

	if err := m.reg.SetPresence(spaceID, target, registry.PresenceActive); err != nil {
		return nil, fmt.Errorf("resume %s: %w", target, err)
	}
	_ = m.reg.SetPauseAllowList(spaceID, target, nil)
	_ = m.reg.SetPauseUntil(spaceID, target, nil)

	m.setState(spaceID, target, StateActive, "resumed")
	return statusEnvelope(req, target, StateActive)
}

func (m *Manager) autoResume(spaceID, target string) {
	_ = m.reg.SetPresence(spaceID, target, registry.PresenceActive)
	_ = m.reg.SetPauseAllowList(spaceID, target, nil)
	_ = m.reg.SetPauseUntil(spaceID, target, nil)
	m.setState(spaceID, target, StateActive, "pause_until elapsed")
}

func (m *Manager) cancelTimer(spaceID, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[key(spaceID, target)]; ok {
		timer.Stop()
		delete(m.timers, key(spaceID, target))
	}
}

// Forget, Clear, Restart, and Shutdown return the acknowledgment envelope
// for the corresponding control request; the gateway then routes the
// request itself to the target's own runtime (which owns the hook:
// dropping history, clearing context, restarting the process, or shutting
// down). Restart additionally cycles the
// control-plane state through restarting before returning to active once
// the caller reports readiness via Ready.
func (m *Manager) Forget(req *envelope.Envelope, target string) (*envelope.Envelope, error) {
	return envelope.Reply(req, "gateway", "participant/status", map[string]string{
		"participant": target, "acknowledged": "forget",
	})
}

func (m *Manager) Clear(req *envelope.Envelope, target string) (*envelope.Envelope, error) {
	return envelope.Reply(req, "gateway", "participant/status", map[string]string{
		"participant": target, "acknowledged": "clear",
	})
}

func (m *Manager) Restart(spaceID string, req *envelope.Envelope, target string) (*envelope.Envelope, error) {
	m.setState(spaceID, target, StateRestarting, "restart requested")
	return envelope.Reply(req, "gateway", "participant/status", map[string]string{
		"participant": target, "acknowledged": "restart", "state": string(StateRestarting),
	})
}

// Ready marks a restarting participant active again, invoked once the
// target's runtime reports it has finished restarting.
func (m *Manager) Ready(spaceID, target string) {
	if m.State(spaceID, target) == StateRestarting {
		m.setState(spaceID, target, StateActive, "restart completed")
	}
}

func (m *Manager) Shutdown(spaceID string, req *envelope.Envelope, target string) (*envelope.Envelope, error) {
	m.setState(spaceID, target, StateShuttingDown, "shutdown requested")
	return envelope.Reply(req, "gateway", "participant/status", map[string]string{
		"participant": target, "acknowledged": "shutdown", "state": string(StateShuttingDown),
	})
}

// RequestStatus records req's id as pending against target and returns
// nothing to send immediately — the target's own participant/status
// broadcast (triggered by receiving the forwarded request) resolves it.
func (m *Manager) RequestStatus(spaceID string, req *envelope.Envelope, target string) error {
	return m.reg.AddPendingStatusRequest(spaceID, target, req.ID)
}

// ObserveStatus clears target's pending status requests once its own
// participant/status envelope has been routed.
func (m *Manager) ObserveStatus(spaceID, target string) {
	_ = m.reg.ClearPendingStatusRequests(spaceID, target)
}

func statusEnvelope(req *envelope.Envelope, target string, state State) (*envelope.Envelope, error) {
	return envelope.Reply(req, "gateway", "participant/status", map[string]string{
		"participant": target,
		"state":       string(state),
	})
}
