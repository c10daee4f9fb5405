package session

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pbeam/beam/pkg/signaling"
	"github.com/p2pbeam/beam/pkg/transfer"
)

// testController builds a controller with a live (unconnected) peer
// connection over the test TURN entries.
func testController(t *testing.T) *Controller {
	t.Helper()
	cfg := Config{
		RelayURL:    "ws://localhost:8080/ws",
		RoomID:      "AB12CD34",
		TurnServers: testTurnServers(),
	}
	c := NewController(cfg, transfer.NewStateMachine(), nil)
	require.NoError(t, c.buildPeerConnection(), "Peer connection should build")
	t.Cleanup(func() { _ = c.pc.Close() })
	return c
}

func TestBuildRefusedWithoutServers(t *testing.T) {
	c := NewController(Config{RoomID: "AB12CD34"}, transfer.NewStateMachine(), nil)
	err := c.buildPeerConnection()
	assert.ErrorIs(t, err, ErrNoICEServers, "An empty pool should refuse to build a connection")
}

func TestTurnServerSwitchReconfiguresConnection(t *testing.T) {
	c := testController(t)

	data, err := json.Marshal(signaling.TurnServerSwitchPayload{ServerIndex: 1})
	require.NoError(t, err, "Payload should marshal")
	env := signaling.Envelope{Event: signaling.EventTurnServerSwitch, Data: data}
	require.NoError(t, c.handleSignal(env), "Switch event should apply")

	got := c.pc.GetConfiguration().ICEServers
	require.Len(t, got, 1, "Connection should carry exactly the rotated entry")
	assert.Contains(t, got[0].URLs[0], "us.relay", "Rotation should land on the announced server")
}

func TestTurnServerSwitchWrapsIndex(t *testing.T) {
	c := testController(t)

	data, err := json.Marshal(signaling.TurnServerSwitchPayload{ServerIndex: 2})
	require.NoError(t, err, "Payload should marshal")
	env := signaling.Envelope{Event: signaling.EventTurnServerSwitch, Data: data}
	require.NoError(t, c.handleSignal(env), "Switch event should apply")

	got := c.pc.GetConfiguration().ICEServers
	require.Len(t, got, 1, "Connection should carry exactly the rotated entry")
	assert.Contains(t, got[0].URLs[0], "eu.relay", "Out-of-range index should wrap around the ring")
}

func TestBindDataChannelHandsChannelToConnect(t *testing.T) {
	c := testController(t)
	c.HandleMessages(func(webrtc.DataChannelMessage) {})

	dc, err := c.pc.CreateDataChannel("beam-data", nil)
	require.NoError(t, err, "Creating a channel should succeed")

	c.bindDataChannel(dc)

	select {
	case opened := <-c.dcReady:
		assert.Equal(t, dc, opened, "Bound channel should reach Connect")
	default:
		t.Fatal("bound channel was not handed to Connect")
	}
}

func TestBindDataChannelWithoutHandler(t *testing.T) {
	c := testController(t)

	dc, err := c.pc.CreateDataChannel("beam-data", nil)
	require.NoError(t, err, "Creating a channel should succeed")

	c.bindDataChannel(dc)

	select {
	case opened := <-c.dcReady:
		assert.Equal(t, dc, opened, "Channel should pass through even with no handler registered")
	default:
		t.Fatal("channel was not handed to Connect")
	}
}
