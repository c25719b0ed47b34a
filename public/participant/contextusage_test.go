package participant

import (
	"strings"
	"testing"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/tokencount"
)

func TestObserveCountsMessagesWithoutCounter(t *testing.T) {
	tracker := NewUsageTracker()
	env, _ := envelope.New("alice", "chat", []string{"bob"}, map[string]string{"text": "hi"})

	tracker.Observe(env)
	tracker.Observe(env)

	snap := tracker.Snapshot()
	if snap.Messages != 2 {
		t.Errorf("expected 2 messages, got %d", snap.Messages)
	}
	if snap.Tokens != 0 {
		t.Errorf("expected 0 tokens without a counter, got %d", snap.Tokens)
	}
}

func TestObserveAccumulatesTokensWithCounter(t *testing.T) {
	counter, err := tokencount.NewCounter(tokencount.Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("failed to construct counter: %v", err)
	}
	tracker := NewUsageTracker(counter)

	env, _ := envelope.New("alice", "chat", []string{"bob"}, map[string]string{"text": "hello there"})
	tracker.Observe(env)

	snap := tracker.Snapshot()
	if snap.Tokens <= 0 {
		t.Error("expected a positive token estimate")
	}
	if snap.MaxContext <= 0 {
		t.Error("expected a positive max context window")
	}
}

func TestPressureFiresOnceWhenThresholdCrossed(t *testing.T) {
	counter, _ := tokencount.NewCounter(tokencount.Config{Provider: "auto"})
	tracker := NewUsageTracker(counter)

	fired := 0
	tracker.OnPressure(func(u Usage) { fired++ })

	// Manually push past the soft threshold via Reset, then Observe once
	// more to trigger the crossing check.
	tracker.Reset(int(float64(counter.MaxContextWindow())*DefaultSoftThreshold)+100, 5)

	env, _ := envelope.New("alice", "chat", []string{"bob"}, map[string]string{"text": "x"})
	tracker.Observe(env)
	tracker.Observe(env)

	if fired != 1 {
		t.Errorf("expected pressure to fire exactly once, got %d", fired)
	}
}

func TestResetClearsCrossedFlag(t *testing.T) {
	counter, _ := tokencount.NewCounter(tokencount.Config{Provider: "auto"})
	tracker := NewUsageTracker(counter)

	fired := 0
	tracker.OnPressure(func(u Usage) { fired++ })

	tracker.Reset(int(float64(counter.MaxContextWindow())*DefaultSoftThreshold)+100, 1)
	env, _ := envelope.New("alice", "chat", []string{"bob"}, map[string]string{"text": "x"})
	tracker.Observe(env)

	tracker.Reset(int(float64(counter.MaxContextWindow())*DefaultSoftThreshold)+100, 1)
	tracker.Observe(env)

	if fired != 2 {
		t.Errorf("expected Reset to allow pressure to fire again on a second crossing, got %d firings", fired)
	}
}

func TestSplitForBudgetWithoutCounterReturnsWholeText(t *testing.T) {
	tracker := NewUsageTracker()

	chunks, err := tracker.SplitForBudget("", "", "some history")
	if err != nil {
		t.Fatalf("SplitForBudget failed: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "some history" {
		t.Errorf("expected single unchanged chunk, got %v", chunks)
	}
}

func TestSplitForBudgetSplitsOversizedHistory(t *testing.T) {
	counter, err := tokencount.NewCounter(tokencount.Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("failed to construct counter: %v", err)
	}
	tracker := NewUsageTracker(counter)

	history := strings.Repeat("Older turn of the conversation.\n\n", 20000)
	chunks, err := tracker.SplitForBudget("You are a helpful assistant.", "", history)
	if err != nil {
		t.Fatalf("SplitForBudget failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Errorf("expected oversized history to split into multiple chunks, got %d", len(chunks))
	}
}
