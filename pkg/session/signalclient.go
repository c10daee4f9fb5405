package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/p2pbeam/beam/pkg/signaling"
)

// SignalClient is one session's private connection to the relay. Each
// session owns its own client and subscription channel; Close tears both
// down, so a late event from a finished session has nowhere to land.
type SignalClient struct {
	ws     *websocket.Conn
	mu     sync.Mutex // serializes writes
	events chan signaling.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// DialSignal connects to the relay's websocket endpoint and starts the
// read loop.
func DialSignal(ctx context.Context, relayURL string) (*SignalClient, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", relayURL, err)
	}
	c := &SignalClient{
		ws:     ws,
		events: make(chan signaling.Envelope, 32),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events is the session's subscription. The channel closes when the client
// shuts down; events arrive in wire order.
func (c *SignalClient) Events() <-chan signaling.Envelope {
	return c.events
}

// Send marshals and writes one event. Safe for concurrent use.
func (c *SignalClient) Send(event string, payload any) error {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

// Join asks the relay for room membership.
func (c *SignalClient) Join(roomID string, role signaling.Role, networkType string) error {
	p := signaling.JoinRoomPayload{RoomID: roomID, Role: role}
	if networkType != "" {
		p.NetworkInfo = &signaling.NetworkInfo{Type: networkType}
	}
	return c.Send(signaling.EventJoinRoom, p)
}

// Close tears the subscription down. Idempotent.
func (c *SignalClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *SignalClient) readLoop() {
	defer close(c.events)
	for {
		var env signaling.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("signal connection lost", "error", err)
			}
			return
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}
