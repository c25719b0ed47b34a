// contextusage.go tracks a participant's own token and message usage
// against its counting model's context window. When usage first crosses
// the soft threshold (90% of the window by default), UsageTracker invokes
// the PressureFunc registered with OnPressure, which can forget oldest
// entries and call Reset. The tracker sends no envelope itself, and
// Runtime registers no PressureFunc, so crossing the threshold publishes
// no participant/status.
//
// Grounded on internal/budget.Manager's system/context/input token
// accounting, generalized from a per-request budget calculation to a
// running usage counter updated as envelopes are observed.
package participant

import (
	"sync"

	"github.com/rjcorwin/mew-protocol-sub005/internal/budget"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/tokencount"
)

// DefaultSoftThreshold is the fraction of the context window at which
// UsageTracker reports pressure.
const DefaultSoftThreshold = 0.90

// PressureFunc is invoked when observed usage crosses the soft
// threshold. Implementations typically forget oldest conversation
// entries and then call Reset with the recomputed counts.
type PressureFunc func(usage Usage)

// Usage is a snapshot of a participant's tracked context consumption.
type Usage struct {
	Tokens      int
	Messages    int
	MaxContext  int
	SoftCrossed bool
}

// UsageTracker accumulates token and message counts as envelopes are
// observed, using counter to estimate payload token cost.
type UsageTracker struct {
	mu            sync.Mutex
	counter       tokencount.Counter
	budgetMgr     *budget.Manager
	tokens        int
	messages      int
	softThreshold float64
	crossed       bool
	onPressure    PressureFunc
}

// NewUsageTracker constructs a tracker. A nil counter disables token
// estimation (Observe still counts messages).
func NewUsageTracker(counter ...tokencount.Counter) *UsageTracker {
	t := &UsageTracker{softThreshold: DefaultSoftThreshold}
	if len(counter) > 0 {
		t.counter = counter[0]
		t.budgetMgr = budget.NewManager(counter[0])
	}
	return t
}

// Counter returns the tracker's counting model, or nil if none was
// wired at construction.
func (t *UsageTracker) Counter() tokencount.Counter { return t.counter }

// SplitForBudget chunks text against the tracker's counting model so a
// PressureFunc hook can shrink oldest history before re-sending or
// discarding it, rather than dropping it outright. Returns text
// unchanged as a single chunk when no counter is wired.
func (t *UsageTracker) SplitForBudget(system, context, text string) ([]string, error) {
	if t.budgetMgr == nil {
		return []string{text}, nil
	}
	b, err := t.budgetMgr.Calculate(system, context, text)
	if err != nil {
		return nil, err
	}
	return t.budgetMgr.SplitInput(text, b)
}

// OnPressure registers the callback invoked the first time usage crosses
// the soft threshold after construction or the last Reset.
func (t *UsageTracker) OnPressure(fn PressureFunc) { t.onPressure = fn }

// Observe accounts for one more envelope's contribution to context
// usage. Envelopes with no payload token estimate (no counter wired, or
// a non-text payload) still increment the message count.
func (t *UsageTracker) Observe(env *envelope.Envelope) {
	var tokens int
	if t.counter != nil {
		if n, err := t.counter.Count(string(env.Payload)); err == nil {
			tokens = n
		}
	}

	t.mu.Lock()
	t.tokens += tokens
	t.messages++
	snapshot := t.snapshotLocked()
	crossedNow := !t.crossed && snapshot.SoftCrossed
	if crossedNow {
		t.crossed = true
	}
	t.mu.Unlock()

	if crossedNow && t.onPressure != nil {
		t.onPressure(snapshot)
	}
}

// Snapshot returns the current usage counters.
func (t *UsageTracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *UsageTracker) snapshotLocked() Usage {
	maxContext := 0
	if t.counter != nil {
		maxContext = t.counter.MaxContextWindow()
	}
	softCrossed := maxContext > 0 && float64(t.tokens) >= float64(maxContext)*t.softThreshold
	return Usage{
		Tokens:      t.tokens,
		Messages:    t.messages,
		MaxContext:  maxContext,
		SoftCrossed: softCrossed,
	}
}

// Reset replaces the tracked counters, used after a pressure hook forgets
// oldest entries and recomputes usage from what remains.
func (t *UsageTracker) Reset(tokens, messages int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = tokens
	t.messages = messages
	t.crossed = false
}
