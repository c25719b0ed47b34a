// proposal.go implements the gateway-observable proposal lifecycle:
// open -> fulfilling -> completed, or open -> rejected/withdrawn.
//
// Grounded on internal/broker/service.go's per-key locked map pattern
// (pipes/pipesMux), generalized to a proposals map with a per-proposal
// sync.Mutex (fine-grained locking, per spec.md §5's shared-resource
// policy) instead of one lock guarding the whole pipe table.
package correlation

import (
	"fmt"
	"sync"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// Status is a proposal's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusFulfilling Status = "fulfilling"
	StatusRejected   Status = "rejected"
	StatusWithdrawn  Status = "withdrawn"
	StatusCompleted  Status = "completed"
)

// Proposal tracks one mcp/proposal envelope's lifecycle as observed by
// the gateway (and, client-side, by the proposer itself).
type Proposal struct {
	ID   string   // the mcp/proposal envelope's id
	From string   // the proposer's participant id
	To   []string // addressed targets eligible to fulfill

	mu                   sync.Mutex
	status               Status
	fulfillmentRequestID string
	fulfilledBy          string
	rejectedBy           string
	rejectReason         string
	result               *envelope.Envelope
}

// Current returns the proposal's current lifecycle state.
func (p *Proposal) Current() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Result returns the resolving mcp/response, if the proposal has
// completed.
func (p *Proposal) Result() *envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Table tracks every open proposal in a space, plus a reverse index from
// fulfillment request id back to proposal id so the eventual mcp/response
// can be linked back to the original proposer.
type Table struct {
	mu               sync.Mutex
	proposals        map[string]*Proposal // proposal id -> Proposal
	fulfillmentIndex map[string]string    // fulfillment request id -> proposal id
}

// NewTable constructs an empty proposal table.
func NewTable() *Table {
	return &Table{
		proposals:        make(map[string]*Proposal),
		fulfillmentIndex: make(map[string]string),
	}
}

// Open registers a new proposal from an mcp/proposal envelope.
func (t *Table) Open(proposalEnv *envelope.Envelope) *Proposal {
	p := &Proposal{
		ID:     proposalEnv.ID,
		From:   proposalEnv.From,
		To:     proposalEnv.To,
		status: StatusOpen,
	}

	t.mu.Lock()
	t.proposals[p.ID] = p
	t.mu.Unlock()

	return p
}

// Get returns the proposal for id, or nil.
func (t *Table) Get(id string) *Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proposals[id]
}

// Fulfill attempts to claim proposalID with a fulfilling mcp/request.
// Only the first caller observes status == open and wins the claim;
// later callers for the same proposal are told the proposal is already
// claimed (their envelopes are still routed by the Router — they simply
// do not mutate proposer state), implementing first-responder-wins per
// spec.md §4.6.
func (t *Table) Fulfill(proposalID string, fulfillmentReq *envelope.Envelope) bool {
	t.mu.Lock()
	p, ok := t.proposals[proposalID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusOpen {
		return false
	}
	p.status = StatusFulfilling
	p.fulfillmentRequestID = fulfillmentReq.ID
	p.fulfilledBy = fulfillmentReq.From

	t.mu.Lock()
	t.fulfillmentIndex[fulfillmentReq.ID] = proposalID
	t.mu.Unlock()

	return true
}

// ResolveResponse links an mcp/response correlated to a fulfillment
// request id back to its proposal, completing it. Returns nil if the
// response does not correlate to any tracked fulfillment.
func (t *Table) ResolveResponse(fulfillmentRequestID string, response *envelope.Envelope) *Proposal {
	t.mu.Lock()
	proposalID, ok := t.fulfillmentIndex[fulfillmentRequestID]
	if ok {
		delete(t.fulfillmentIndex, fulfillmentRequestID)
	}
	p := t.proposals[proposalID]
	t.mu.Unlock()
	if !ok || p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusFulfilling {
		return nil
	}
	p.status = StatusCompleted
	p.result = response
	return p
}

// Reject marks proposalID rejected by rejectorID, unless it has already
// been resolved — first reject wins; later rejects for the same proposal
// are ignored, per spec.md §4.6. Returns the Proposal on success so the
// caller can notify the original proposer, who may not be the rejector.
func (t *Table) Reject(proposalID, rejectorID, reason string) *Proposal {
	p := t.Get(proposalID)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusOpen && p.status != StatusFulfilling {
		return nil
	}
	p.status = StatusRejected
	p.rejectedBy = rejectorID
	p.rejectReason = reason
	return p
}

// ErrWithdrawalMismatch is returned when a withdrawal's sender does not
// match the proposal's original proposer — a security event that must be
// dropped rather than honored, per spec.md §4.6.
type ErrWithdrawalMismatch struct {
	ProposalID, ProposalFrom, WithdrawFrom string
}

func (e *ErrWithdrawalMismatch) Error() string {
	return fmt.Sprintf("withdrawal for proposal %s from %q does not match proposer %q",
		e.ProposalID, e.WithdrawFrom, e.ProposalFrom)
}

// Withdraw marks proposalID withdrawn, verifying withdrawFrom matches the
// proposal's original proposer. Returns ErrWithdrawalMismatch without
// mutating state if it does not. On success it returns the Proposal so a
// fulfiller already in flight can be told the proposal is gone.
func (t *Table) Withdraw(proposalID, withdrawFrom string) (*Proposal, error) {
	p := t.Get(proposalID)
	if p == nil {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if withdrawFrom != p.From {
		return nil, &ErrWithdrawalMismatch{ProposalID: proposalID, ProposalFrom: p.From, WithdrawFrom: withdrawFrom}
	}
	if p.status != StatusOpen && p.status != StatusFulfilling {
		return nil, nil
	}
	p.status = StatusWithdrawn
	return p, nil
}

// Remove deletes a completed/rejected/withdrawn proposal's bookkeeping.
func (t *Table) Remove(proposalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.proposals[proposalID]; ok {
		p.mu.Lock()
		if p.fulfillmentRequestID != "" {
			delete(t.fulfillmentIndex, p.fulfillmentRequestID)
		}
		p.mu.Unlock()
	}
	delete(t.proposals, proposalID)
}
