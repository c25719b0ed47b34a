// Package correlation implements client-side MCP request/response
// correlation and the gateway-observable proposal lifecycle (spec.md
// §4.6).
//
// pending.go is grounded on internal/client/broker.go's
// BrokerClient.call/responseChans map — a request id correlates an
// outbound call to the channel that resolves it, with a timeout that
// cleans up the channel and surfaces a local error.
package correlation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// DefaultTimeout is how long a Pending Request waits for its resolving
// envelope before surfacing a timeout error.
const DefaultTimeout = 30 * time.Second

// Kind distinguishes a plain request correlation from a proposal the
// proposer is tracking until it is fulfilled, rejected, or withdrawn.
type Kind string

const (
	KindRequest  Kind = "request"
	KindProposal Kind = "proposal"
)

// Result is what a Pending Request resolves to: either the resolving
// envelope or an error (timeout, rejection, withdrawal).
type Result struct {
	Envelope *envelope.Envelope
	Err      error
}

// pendingEntry is one in-flight request or proposal awaiting resolution.
type pendingEntry struct {
	kind   Kind
	result chan Result
	timer  *time.Timer
}

// PendingTable is a client-side table of in-flight requests keyed by
// envelope id, resolved when a correlating response/rejection/withdrawal
// arrives.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// NewPendingTable constructs an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*pendingEntry)}
}

// Register records a new pending entry for id, started with the given
// timeout (DefaultTimeout if zero), and returns a channel that receives
// exactly one Result.
func (t *PendingTable) Register(id string, kind Kind, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	entry := &pendingEntry{
		kind:   kind,
		result: make(chan Result, 1),
	}

	t.mu.Lock()
	t.entries[id] = entry
	t.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		t.resolve(id, Result{Err: fmt.Errorf("request %s timed out waiting for response", id)})
	})

	return entry.result
}

// Resolve delivers result to the pending entry for id, if one still
// exists, cancels its timeout timer, and removes it from the table.
// Reports whether an entry was found (a second resolution attempt for an
// already-resolved or unknown id is a no-op, matching first-responder-wins
// semantics at the proposal layer).
func (t *PendingTable) Resolve(id string, env *envelope.Envelope) bool {
	return t.resolve(id, Result{Envelope: env})
}

// Fail resolves the pending entry for id with an error (used for
// rejection/withdrawal outcomes at the proposal layer).
func (t *PendingTable) Fail(id string, err error) bool {
	return t.resolve(id, Result{Err: err})
}

func (t *PendingTable) resolve(id string, result Result) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.result <- result
	close(entry.result)
	return true
}

// CancelAll fails every pending entry with err and clears the table,
// used on disconnect per spec.md's Failure Semantics ("disconnects
// cancel all pending local requests with a connection-closed error").
func (t *PendingTable) CancelAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.result <- Result{Err: err}
		close(entry.result)
	}
}

// Lookup reports whether id has a pending entry and, if so, its kind.
func (t *PendingTable) Lookup(id string) (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return entry.kind, true
}

// Cancel removes a pending entry without resolving its result channel,
// used when the caller is abandoning the wait (e.g. when sending the
// request failed). Disconnect goes through CancelAll instead.
func (t *PendingTable) Cancel(id string) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok && entry.timer != nil {
		entry.timer.Stop()
	}
}
