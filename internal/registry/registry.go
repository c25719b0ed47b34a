// Package registry tracks participants active in a space: their
// capability grants, presence state, and pause bookkeeping.
//
// Grounded on the GOX broker's Service.connections map/connMux pattern
// (internal/broker/service.go), generalized from a flat connection-id map
// to per-space Participant records carrying capability sets and presence
// state per spec.md §4.4.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// Presence is a participant's lifecycle state within a space.
type Presence string

const (
	PresenceJoining Presence = "joining"
	PresenceActive  Presence = "active"
	PresencePaused  Presence = "paused"
	PresenceLeaving Presence = "leaving"
)

// Sender abstracts the connection endpoint so the registry does not
// import internal/connection (which in turn depends on the registry for
// presence notification), avoiding an import cycle.
type Sender interface {
	SendEnvelope(env *envelope.Envelope) error
}

// Participant is one space member's registry record.
type Participant struct {
	ID           string
	SpaceID      string
	Capabilities []capability.Capability
	Presence     Presence

	// PauseAllowList names envelope kind patterns this participant still
	// accepts delivery for while paused (spec.md §4.5 step 3).
	PauseAllowList []string

	// PauseUntil is the deadline after which a paused participant is
	// auto-resumed, if any (spec.md §4.4's Participant Record fields).
	PauseUntil *time.Time

	// PendingStatusRequestIDs tracks in-flight participant/request-status
	// correlation ids awaiting this participant's participant/status reply.
	PendingStatusRequestIDs []string

	Conn Sender
}

// Registry tracks the participants of every active space.
type Registry struct {
	mu     sync.RWMutex
	spaces map[string]map[string]*Participant // space id -> participant id -> Participant
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{spaces: make(map[string]map[string]*Participant)}
}

// ErrConflict is returned by Join when the requested participant id is
// already connected in the space.
type ErrConflict struct {
	SpaceID, ParticipantID string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("participant %q already connected in space %q", e.ParticipantID, e.SpaceID)
}

// Join registers a new participant, rejecting the request if the id is
// already connected in the space (spec.md §4.4 step 2).
func (r *Registry) Join(spaceID, participantID string, caps []capability.Capability, conn Sender) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	space, ok := r.spaces[spaceID]
	if !ok {
		space = make(map[string]*Participant)
		r.spaces[spaceID] = space
	}
	if _, exists := space[participantID]; exists {
		return nil, &ErrConflict{SpaceID: spaceID, ParticipantID: participantID}
	}

	p := &Participant{
		ID:           participantID,
		SpaceID:      spaceID,
		Capabilities: caps,
		Presence:     PresenceJoining,
		Conn:         conn,
	}
	space[participantID] = p
	return p, nil
}

// Leave removes a participant from its space.
func (r *Registry) Leave(spaceID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	space, ok := r.spaces[spaceID]
	if !ok {
		return
	}
	delete(space, participantID)
	if len(space) == 0 {
		delete(r.spaces, spaceID)
	}
}

// Get returns a participant by id, or nil if not found.
func (r *Registry) Get(spaceID, participantID string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space, ok := r.spaces[spaceID]
	if !ok {
		return nil
	}
	return space[participantID]
}

// List returns every participant currently registered in the space.
func (r *Registry) List(spaceID string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space := r.spaces[spaceID]
	out := make([]*Participant, 0, len(space))
	for _, p := range space {
		out = append(out, p)
	}
	return out
}

// ParticipantSnapshot is a point-in-time, lock-free copy of the fields a
// router needs to decide whether and how to deliver one envelope to one
// participant. Router delivery must never read Participant fields after
// releasing the registry's lock (SetPresence/SetPauseAllowList/Join
// mutate those fields concurrently from other goroutines) — a snapshot
// taken under the lock is the safe alternative, per spec.md §5's
// requirement that capability-check-then-enqueue be atomic with respect
// to presence changes.
type ParticipantSnapshot struct {
	ID             string
	Presence       Presence
	PauseAllowList []string
	Conn           Sender
}

func snapshotLocked(p *Participant) ParticipantSnapshot {
	allow := make([]string, len(p.PauseAllowList))
	copy(allow, p.PauseAllowList)
	return ParticipantSnapshot{ID: p.ID, Presence: p.Presence, PauseAllowList: allow, Conn: p.Conn}
}

// ResolveRecipients snapshots the participants an envelope should be
// delivered to: the named ids, if any, else every participant in the
// space except excludeID. The whole enumeration happens under a single
// read lock, so the result reflects one consistent instant even if
// another goroutine joins, leaves, or changes presence concurrently.
func (r *Registry) ResolveRecipients(spaceID string, ids []string, excludeID string) []ParticipantSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space := r.spaces[spaceID]

	if len(ids) > 0 {
		out := make([]ParticipantSnapshot, 0, len(ids))
		for _, id := range ids {
			if p, ok := space[id]; ok {
				out = append(out, snapshotLocked(p))
			}
		}
		return out
	}

	out := make([]ParticipantSnapshot, 0, len(space))
	for _, p := range space {
		if p.ID == excludeID {
			continue
		}
		out = append(out, snapshotLocked(p))
	}
	return out
}

// Snapshot returns a point-in-time copy of a single participant's
// delivery-relevant fields, or false if not found.
func (r *Registry) Snapshot(spaceID, participantID string) (ParticipantSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	space, ok := r.spaces[spaceID]
	if !ok {
		return ParticipantSnapshot{}, false
	}
	p, ok := space[participantID]
	if !ok {
		return ParticipantSnapshot{}, false
	}
	return snapshotLocked(p), true
}

// UpdateCapabilities replaces a participant's capability grant set.
func (r *Registry) UpdateCapabilities(spaceID, participantID string, caps []capability.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(spaceID, participantID)
	if err != nil {
		return err
	}
	p.Capabilities = caps
	return nil
}

// SetPresence transitions a participant's presence state.
func (r *Registry) SetPresence(spaceID, participantID string, state Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(spaceID, participantID)
	if err != nil {
		return err
	}
	p.Presence = state
	return nil
}

// SetPauseAllowList sets the kind patterns a paused participant still
// accepts immediate delivery for.
func (r *Registry) SetPauseAllowList(spaceID, participantID string, allow []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(spaceID, participantID)
	if err != nil {
		return err
	}
	p.PauseAllowList = allow
	return nil
}

// SetPauseUntil records (or clears, with a nil deadline) a participant's
// auto-resume deadline.
func (r *Registry) SetPauseUntil(spaceID, participantID string, deadline *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(spaceID, participantID)
	if err != nil {
		return err
	}
	p.PauseUntil = deadline
	return nil
}

// AddPendingStatusRequest records requestID as awaiting a
// participant/status reply from participantID.
func (r *Registry) AddPendingStatusRequest(spaceID, participantID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(spaceID, participantID)
	if err != nil {
		return err
	}
	p.PendingStatusRequestIDs = append(p.PendingStatusRequestIDs, requestID)
	return nil
}

// ClearPendingStatusRequests empties a participant's pending status
// request list, once its participant/status reply has been observed.
func (r *Registry) ClearPendingStatusRequests(spaceID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(spaceID, participantID)
	if err != nil {
		return err
	}
	p.PendingStatusRequestIDs = nil
	return nil
}

func (r *Registry) lookupLocked(spaceID, participantID string) (*Participant, error) {
	space, ok := r.spaces[spaceID]
	if !ok {
		return nil, fmt.Errorf("space %q not found", spaceID)
	}
	p, ok := space[participantID]
	if !ok {
		return nil, fmt.Errorf("participant %q not found in space %q", participantID, spaceID)
	}
	return p, nil
}
