package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/p2pbeam/beam/pkg/signaling"
)

var (
	// ErrNoPolicy rejects events absent from the policy table. Fail closed:
	// an event the limiter does not know is never allowed through.
	ErrNoPolicy = errors.New("no rate limit policy for event")
	// ErrPayloadTooLarge rejects oversize payloads before any counter work.
	ErrPayloadTooLarge = errors.New("payload exceeds event size limit")
)

// ThrottledError reports how long the offending identity has to wait.
type ThrottledError struct {
	Event      string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Event, e.RetryAfter)
}

// Policy is the budget for one event type.
type Policy struct {
	Window     time.Duration
	ConnLimit  int // per connection within Window
	AddrLimit  int // per source address within Window
	MaxPayload int // bytes
	Cost       int // weight charged against the global budgets
}

// globalPolicy is the always-on aggregate budget across all event types.
type globalPolicy struct {
	Window    time.Duration
	ConnLimit int
	AddrLimit int
}

// DefaultPolicies is the per-event budget table. Expensive events (session
// descriptions) carry a higher global cost than cheap chatter.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		signaling.EventJoinRoom:         {Window: 10 * time.Second, ConnLimit: 5, AddrLimit: 20, MaxPayload: 1024, Cost: 5},
		signaling.EventOffer:            {Window: 10 * time.Second, ConnLimit: 10, AddrLimit: 30, MaxPayload: signaling.MaxSDPBytes + 1024, Cost: 5},
		signaling.EventAnswer:           {Window: 10 * time.Second, ConnLimit: 10, AddrLimit: 30, MaxPayload: signaling.MaxSDPBytes + 1024, Cost: 5},
		signaling.EventICECandidate:     {Window: 10 * time.Second, ConnLimit: 100, AddrLimit: 300, MaxPayload: signaling.MaxCandidateBytes + 1024, Cost: 1},
		signaling.EventConnectionState:  {Window: 10 * time.Second, ConnLimit: 30, AddrLimit: 100, MaxPayload: 1024, Cost: 1},
		signaling.EventTransferStart:    {Window: 10 * time.Second, ConnLimit: 10, AddrLimit: 30, MaxPayload: 64 * 1024, Cost: 2},
		signaling.EventTransferProgress: {Window: time.Second, ConnLimit: 50, AddrLimit: 150, MaxPayload: 4096, Cost: 1},
		signaling.EventTransferComplete: {Window: 10 * time.Second, ConnLimit: 10, AddrLimit: 30, MaxPayload: 1024, Cost: 1},
		signaling.EventTransferCancel:   {Window: 10 * time.Second, ConnLimit: 10, AddrLimit: 30, MaxPayload: 1024, Cost: 1},
		signaling.EventTroubleshoot:     {Window: 30 * time.Second, ConnLimit: 5, AddrLimit: 15, MaxPayload: 2048, Cost: 2},
		signaling.EventHeartbeat:        {Window: 30 * time.Second, ConnLimit: 10, AddrLimit: 40, MaxPayload: 512, Cost: 1},
	}
}

// CounterTTL is how long an idle counter survives before garbage collection.
const CounterTTL = 5 * time.Minute

type counter struct {
	windowStart time.Time
	cost        int
	lastSeen    time.Time
}

// Limiter enforces the two-tier (global + per-event) sliding budgets on
// every inbound event.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]Policy
	global   globalPolicy
	counters map[string]*counter

	now func() time.Time
}

// NewLimiter builds a limiter over the default policy table.
func NewLimiter() *Limiter {
	return NewLimiterWithPolicies(DefaultPolicies())
}

// NewLimiterWithPolicies builds a limiter with a custom table. Used by
// tests to shrink windows.
func NewLimiterWithPolicies(policies map[string]Policy) *Limiter {
	return &Limiter{
		policies: policies,
		global: globalPolicy{
			Window:    10 * time.Second,
			ConnLimit: 200,
			AddrLimit: 600,
		},
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Enforce admits or rejects one inbound event. Check order: unknown event,
// oversize payload, per-connection global budget, per-address global
// budget, per-connection event budget, per-address event budget. The first
// failing tier short-circuits with a ThrottledError carrying the wait; each
// passing tier has already charged its counter.
func (l *Limiter) Enforce(connID, addr, event string, payloadSize int) error {
	policy, ok := l.policies[event]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoPolicy, event)
	}
	if payloadSize > policy.MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, payloadSize, policy.MaxPayload)
	}

	cost := policy.Cost
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	checks := []struct {
		key    string
		window time.Duration
		limit  int
		cost   int
	}{
		{"global|conn:" + connID, l.global.Window, l.global.ConnLimit, cost},
		{"global|addr:" + addr, l.global.Window, l.global.AddrLimit, cost},
		{event + "|conn:" + connID, policy.Window, policy.ConnLimit, 1},
		{event + "|addr:" + addr, policy.Window, policy.AddrLimit, 1},
	}

	for _, c := range checks {
		if wait, ok := l.charge(c.key, now, c.window, c.limit, c.cost); !ok {
			return &ThrottledError{Event: event, RetryAfter: wait}
		}
	}
	return nil
}

// charge applies cost to the fixed-window counter under key, reporting the
// remaining wait when the budget is exhausted.
func (l *Limiter) charge(key string, now time.Time, window time.Duration, limit, cost int) (time.Duration, bool) {
	c, ok := l.counters[key]
	if !ok {
		c = &counter{windowStart: now}
		l.counters[key] = c
	}
	if now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.cost = 0
	}
	c.lastSeen = now
	if c.cost+cost > limit {
		return c.windowStart.Add(window).Sub(now), false
	}
	c.cost += cost
	return 0, true
}

// Sweep garbage-collects counters idle longer than CounterTTL. Runs on a
// fixed interval independent of request handling.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, c := range l.counters {
		if now.Sub(c.lastSeen) >= CounterTTL {
			delete(l.counters, key)
			removed++
		}
	}
	return removed
}

// CounterCount reports how many live counters exist, for diagnostics.
func (l *Limiter) CounterCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
