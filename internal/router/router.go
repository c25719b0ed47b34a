// Package router implements capability-gated envelope delivery: given a
// validated inbound envelope from participant P, resolve recipients,
// enforce P's capability grants, and enqueue the envelope on each
// recipient's connection (or its pause queue, if paused).
//
// Grounded on internal/broker/service.go's handlePublish/
// handlePublishEnvelope (per-topic subscriber fanout under a topic
// mutex), generalized from topic broadcast to addressed-or-broadcast
// per-space delivery with a capability check ahead of enqueue and a
// per-recipient pause/allow-list branch, per spec.md §4.5.
package router

import (
	"strings"
	"sync"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/registry"
)

// DefaultPauseQueueDepth bounds how many envelopes a paused participant
// accumulates before the oldest is dropped.
const DefaultPauseQueueDepth = 64

// selfAddressable lists kinds whose broadcasts also reach their own
// sender, bypassing the "recipients = everyone but sender" default —
// currently empty. Pause handling does not consult it; only a
// recipient's pause allow-list lets a kind through while paused.
var selfAddressable = map[string]bool{}

// ProposalHook is notified of every proposal-lifecycle envelope
// (mcp/proposal, mcp/request, mcp/response, mcp/reject, mcp/withdraw)
// before it is delivered, so the Correlation & Proposal Engine can update
// its state regardless of delivery outcome.
type ProposalHook func(env *envelope.Envelope)

// StreamHook is notified of every stream/* envelope before delivery, so
// the Stream Channel Manager can track negotiation and sequencing.
type StreamHook func(env *envelope.Envelope)

// Router resolves recipients and delivers envelopes within one space.
type Router struct {
	reg *registry.Registry

	onProposal ProposalHook
	onStream   StreamHook

	pauseMu     sync.Mutex
	pauseQueues map[string][]*envelope.Envelope // "space/participant" -> queued envelopes
	pauseDrops  map[string]int                  // "space/participant" -> drops since last report
}

// New constructs a Router backed by reg.
func New(reg *registry.Registry) *Router {
	return &Router{
		reg:         reg,
		pauseQueues: make(map[string][]*envelope.Envelope),
		pauseDrops:  make(map[string]int),
	}
}

// OnProposalLifecycle registers the Correlation & Proposal Engine hook.
func (r *Router) OnProposalLifecycle(hook ProposalHook) { r.onProposal = hook }

// OnStreamEnvelope registers the Stream Channel Manager hook.
func (r *Router) OnStreamEnvelope(hook StreamHook) { r.onStream = hook }

// Route delivers env, sent by participant `from` in `spaceID`, to its
// resolved recipients, after a capability check against `from`'s grants.
func (r *Router) Route(spaceID string, from *registry.Participant, env *envelope.Envelope) {
	if !capability.CanSend(from.Capabilities, env) {
		r.replyCapabilityViolation(from, env)
		return
	}

	if isProposalLifecycle(env.Kind) && r.onProposal != nil {
		r.onProposal(env)
	}
	if strings.HasPrefix(env.Kind, "stream/") && r.onStream != nil {
		r.onStream(env)
	}

	for _, recipient := range r.resolveRecipients(spaceID, from, env) {
		r.deliver(spaceID, recipient, env)
	}
}

func (r *Router) replyCapabilityViolation(from *registry.Participant, env *envelope.Envelope) {
	reply, err := envelope.Reply(env, "gateway", "system/error", envelope.ErrorPayload{
		Code:    envelope.ErrCapabilityViolation,
		Message: "capability violation: " + env.Kind,
	})
	if err != nil || from.Conn == nil {
		return
	}
	_ = from.Conn.SendEnvelope(reply)
}

// resolveRecipients determines the envelope's recipients: `to` if present
// and non-empty, else every other active participant in the space. The
// whole resolution happens under the registry's own lock (ResolveRecipients),
// so a concurrent join/leave/presence change cannot produce a half-updated
// view, per spec.md §5.
func (r *Router) resolveRecipients(spaceID string, from *registry.Participant, env *envelope.Envelope) []registry.ParticipantSnapshot {
	if !env.IsBroadcast() {
		return r.reg.ResolveRecipients(spaceID, env.To, "")
	}

	exclude := from.ID
	if selfAddressable[env.Kind] {
		exclude = ""
	}
	return r.reg.ResolveRecipients(spaceID, nil, exclude)
}

// deliver enqueues env on recipient's connection, or its pause queue if
// the recipient is paused and env's kind is not on its pause allow list.
// recipient is a snapshot taken atomically with resolution, so this never
// reads a Participant field concurrently mutated by another goroutine.
func (r *Router) deliver(spaceID string, recipient registry.ParticipantSnapshot, env *envelope.Envelope) {
	if recipient.Presence == registry.PresencePaused && !pauseAllows(recipient.PauseAllowList, env.Kind) {
		r.enqueuePaused(spaceID, recipient.ID, env)
		return
	}
	if recipient.Conn == nil {
		return
	}
	_ = recipient.Conn.SendEnvelope(env)
}

func pauseAllows(allowList []string, kind string) bool {
	for _, pattern := range allowList {
		if capability.Matches(capability.Capability{Kind: pattern}, &envelope.Envelope{Kind: kind}) {
			return true
		}
	}
	return false
}

func (r *Router) enqueuePaused(spaceID, participantID string, env *envelope.Envelope) {
	key := spaceID + "/" + participantID

	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()

	queue := r.pauseQueues[key]
	queue = append(queue, env)
	if len(queue) > DefaultPauseQueueDepth {
		queue = queue[1:]
		r.pauseDrops[key]++
	}
	r.pauseQueues[key] = queue
}

// FlushPaused delivers and clears a participant's pause queue (called on
// resume) in FIFO order, using a fresh connection snapshot rather than a
// caller-held Participant pointer that may be stale or concurrently
// mutated.
func (r *Router) FlushPaused(spaceID, participantID string) {
	key := spaceID + "/" + participantID

	r.pauseMu.Lock()
	queue := r.pauseQueues[key]
	delete(r.pauseQueues, key)
	r.pauseMu.Unlock()

	if len(queue) == 0 {
		return
	}

	snap, ok := r.reg.Snapshot(spaceID, participantID)
	if !ok || snap.Conn == nil {
		return
	}
	for _, env := range queue {
		_ = snap.Conn.SendEnvelope(env)
	}
}

// PauseDropCount reports and resets the number of envelopes dropped from
// a participant's pause queue since the last report — surfaced to the
// sender on demand (e.g. via participant/request-status) rather than
// proactively on every drop, per spec.md §4.5.
func (r *Router) PauseDropCount(spaceID, participantID string) int {
	key := spaceID + "/" + participantID

	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()

	n := r.pauseDrops[key]
	delete(r.pauseDrops, key)
	return n
}

func isProposalLifecycle(kind string) bool {
	switch kind {
	case "mcp/proposal", "mcp/request", "mcp/response", "mcp/reject", "mcp/withdraw":
		return true
	}
	return false
}
