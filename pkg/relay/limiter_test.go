package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pbeam/beam/pkg/signaling"
)

// testLimiter builds a limiter over a single small policy with an
// injectable clock.
func testLimiter(t *testing.T, policy Policy) (*Limiter, *time.Time) {
	t.Helper()
	lim := NewLimiterWithPolicies(map[string]Policy{
		signaling.EventHeartbeat: policy,
	})
	clock := time.Now()
	lim.now = func() time.Time { return clock }
	return lim, &clock
}

func TestEnforceThrottlesBeyondConnLimit(t *testing.T) {
	lim, _ := testLimiter(t, Policy{Window: time.Second, ConnLimit: 3, AddrLimit: 100, MaxPayload: 64, Cost: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10),
			"Event %d within the budget should pass", i)
	}

	err := lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10)
	require.Error(t, err, "Event beyond the budget should be throttled")

	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled), "Throttling should carry a ThrottledError")
	assert.Equal(t, signaling.EventHeartbeat, throttled.Event, "Error should name the throttled event")
	assert.Greater(t, throttled.RetryAfter, time.Duration(0), "Retry hint should be positive")
	assert.LessOrEqual(t, throttled.RetryAfter, time.Second, "Retry hint should not exceed the window")
}

func TestEnforceAddrLimitSpansConnections(t *testing.T) {
	lim, _ := testLimiter(t, Policy{Window: time.Second, ConnLimit: 3, AddrLimit: 4, MaxPayload: 64, Cost: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10),
			"First connection event %d should pass", i)
	}
	require.NoError(t, lim.Enforce("c2", "10.0.0.1", signaling.EventHeartbeat, 10),
		"Second connection should pass while the address budget holds")

	err := lim.Enforce("c2", "10.0.0.1", signaling.EventHeartbeat, 10)
	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled), "Address budget exhaustion should throttle a fresh connection")
}

func TestEnforceWindowResets(t *testing.T) {
	lim, clock := testLimiter(t, Policy{Window: time.Second, ConnLimit: 1, AddrLimit: 100, MaxPayload: 64, Cost: 1})

	require.NoError(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10), "First event should pass")
	require.Error(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10), "Second event should be throttled")

	*clock = clock.Add(time.Second)
	assert.NoError(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10),
		"A new window should admit the event again")
}

func TestEnforceUnknownEventFailsClosed(t *testing.T) {
	lim := NewLimiter()
	err := lim.Enforce("c1", "10.0.0.1", "debug-dump", 10)
	require.Error(t, err, "Unknown event should be refused")
	assert.ErrorIs(t, err, ErrNoPolicy, "Refusal should carry the no-policy sentinel")
}

func TestEnforceOversizePayload(t *testing.T) {
	lim, _ := testLimiter(t, Policy{Window: time.Second, ConnLimit: 10, AddrLimit: 10, MaxPayload: 64, Cost: 1})

	err := lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 65)
	require.Error(t, err, "Oversize payload should be refused")
	assert.ErrorIs(t, err, ErrPayloadTooLarge, "Refusal should carry the size sentinel")
	assert.Equal(t, 0, lim.CounterCount(), "Oversize refusal should not charge any counter")
}

func TestEnforceGlobalBudgetWeighsCost(t *testing.T) {
	// Cost 5 against the global per-connection budget of 200 admits exactly
	// 40 events even though the event's own limits never bind.
	lim, _ := testLimiter(t, Policy{Window: time.Second, ConnLimit: 1000, AddrLimit: 1000, MaxPayload: 64, Cost: 5})

	for i := 0; i < 40; i++ {
		require.NoError(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10),
			"Event %d within the global budget should pass", i)
	}

	err := lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10)
	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled), "Exhausted global budget should throttle")
}

func TestSweepRemovesIdleCounters(t *testing.T) {
	lim, clock := testLimiter(t, Policy{Window: time.Second, ConnLimit: 10, AddrLimit: 10, MaxPayload: 64, Cost: 1})

	require.NoError(t, lim.Enforce("c1", "10.0.0.1", signaling.EventHeartbeat, 10), "Event should pass")
	require.Greater(t, lim.CounterCount(), 0, "Counters should exist after an event")

	assert.Equal(t, 0, lim.Sweep(), "Fresh counters should survive a sweep")

	*clock = clock.Add(CounterTTL)
	removed := lim.Sweep()
	assert.Greater(t, removed, 0, "Idle counters should be collected")
	assert.Equal(t, 0, lim.CounterCount(), "No counters should remain after collection")
}

func TestDefaultPoliciesCoverAllClientEvents(t *testing.T) {
	policies := DefaultPolicies()
	for _, event := range []string{
		signaling.EventJoinRoom, signaling.EventOffer, signaling.EventAnswer,
		signaling.EventICECandidate, signaling.EventConnectionState,
		signaling.EventTransferStart, signaling.EventTransferProgress,
		signaling.EventTransferComplete, signaling.EventTransferCancel,
		signaling.EventTroubleshoot, signaling.EventHeartbeat,
	} {
		_, ok := policies[event]
		assert.True(t, ok, "Event %q should have a policy", event)
	}
}
