package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pbeam/beam/pkg/signaling"
)

// fakeSocket captures everything the hub writes to one connection.
type fakeSocket struct {
	mu        sync.Mutex
	envelopes []signaling.Envelope
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	env, ok := v.(signaling.Envelope)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *fakeSocket) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.envelopes))
	for i, env := range s.envelopes {
		out[i] = env.Event
	}
	return out
}

func (s *fakeSocket) count(event string) int {
	n := 0
	for _, e := range s.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (s *fakeSocket) last(event string) (signaling.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.envelopes) - 1; i >= 0; i-- {
		if s.envelopes[i].Event == event {
			return s.envelopes[i], true
		}
	}
	return signaling.Envelope{}, false
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	log := testLogger()
	return NewHub(NewRegistry(log), NewLimiter(), NewMetrics(), 3, log)
}

func mustEnvelope(t *testing.T, event string, payload any) signaling.Envelope {
	t.Helper()
	env, err := signaling.NewEnvelope(event, payload)
	require.NoError(t, err, "Envelope for %s should marshal", event)
	return env
}

// join drives a full join handshake and returns the connection and its
// captured write stream.
func join(t *testing.T, hub *Hub, room, addr string, role signaling.Role) (*Conn, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	conn := newConn(sock, addr)
	hub.HandleEnvelope(conn, mustEnvelope(t, signaling.EventJoinRoom, signaling.JoinRoomPayload{
		RoomID: room,
		Role:   role,
	}))
	return conn, sock
}

func offerEnvelope(t *testing.T, room string) signaling.Envelope {
	t.Helper()
	return mustEnvelope(t, signaling.EventOffer, signaling.SessionDescriptionPayload{
		RoomID:      room,
		Description: signaling.SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	})
}

func TestJoinHandshake(t *testing.T) {
	hub := testHub(t)

	_, senderSock := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	env, ok := senderSock.last(signaling.EventRoomJoined)
	require.True(t, ok, "First join should be acknowledged")

	var joined signaling.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &joined), "room-joined payload should decode")
	assert.Equal(t, signaling.RoleSender, joined.Role, "Requested free role should be granted")
	assert.False(t, joined.PeerPresent, "First participant should see an empty room")
	assert.Equal(t, DefaultSettings().ChunkSize, joined.ChunkSize, "Join should carry the room's settings")

	_, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")
	env, ok = receiverSock.last(signaling.EventRoomJoined)
	require.True(t, ok, "Second join should be acknowledged")
	require.NoError(t, json.Unmarshal(env.Data, &joined), "room-joined payload should decode")
	assert.Equal(t, signaling.RoleReceiver, joined.Role, "Second participant should be the receiver")
	assert.True(t, joined.PeerPresent, "Second participant should see the peer")

	assert.Equal(t, 1, senderSock.count(signaling.EventPeerJoined), "Existing participant should hear about the new peer")
}

func TestOfferForwardedToPeerOnly(t *testing.T) {
	hub := testHub(t)
	sender, senderSock := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	_, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(sender, offerEnvelope(t, "AB12CD34"))

	assert.Equal(t, 1, receiverSock.count(signaling.EventOffer), "Receiver should get the offer")
	assert.Equal(t, 0, senderSock.count(signaling.EventOffer), "Offer should never echo back to its sender")
}

func TestAnswerFromSenderRejected(t *testing.T) {
	hub := testHub(t)
	sender, senderSock := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	_, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(sender, mustEnvelope(t, signaling.EventAnswer, signaling.SessionDescriptionPayload{
		RoomID:      "AB12CD34",
		Description: signaling.SessionDescription{Type: "answer", SDP: "v=0\r\n"},
	}))

	assert.Equal(t, 1, senderSock.count(signaling.EventRejected), "Sender should get the generic rejection")
	assert.Equal(t, 0, receiverSock.count(signaling.EventAnswer), "Nothing should be forwarded on rejection")
}

func TestForwardRequiresMembership(t *testing.T) {
	hub := testHub(t)
	sock := &fakeSocket{}
	conn := newConn(sock, "10.0.0.9:1")

	hub.HandleEnvelope(conn, offerEnvelope(t, "AB12CD34"))

	assert.Equal(t, 1, sock.count(signaling.EventRejected), "Messages before joining should be rejected")
}

func TestClaimedRoomMustMatchMembership(t *testing.T) {
	hub := testHub(t)
	sender, senderSock := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(sender, offerEnvelope(t, "ZZ99ZZ99"))

	assert.Equal(t, 1, senderSock.count(signaling.EventRejected), "A claim for another room should be rejected")
}

func TestSecondOfferRotatesRelayAssist(t *testing.T) {
	hub := testHub(t)
	sender, senderSock := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	_, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(sender, offerEnvelope(t, "AB12CD34"))
	assert.Equal(t, 0, senderSock.count(signaling.EventTurnServerSwitch), "First offer should not rotate")

	hub.HandleEnvelope(sender, offerEnvelope(t, "AB12CD34"))

	env, ok := senderSock.last(signaling.EventTurnServerSwitch)
	require.True(t, ok, "Second offer should broadcast a rotation to the sender")
	var p signaling.TurnServerSwitchPayload
	require.NoError(t, json.Unmarshal(env.Data, &p), "Rotation payload should decode")
	assert.Equal(t, 1, p.ServerIndex, "Rotation should advance to the next ring entry")
	assert.Equal(t, 1, receiverSock.count(signaling.EventTurnServerSwitch), "Receiver should hear the rotation too")
	assert.Equal(t, 2, receiverSock.count(signaling.EventOffer), "Both offers should still be forwarded")
}

func TestHeartbeatNotForwarded(t *testing.T) {
	hub := testHub(t)
	sender, _ := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	_, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(sender, mustEnvelope(t, signaling.EventHeartbeat, signaling.HeartbeatPayload{RoomID: "AB12CD34"}))

	assert.Equal(t, 0, receiverSock.count(signaling.EventHeartbeat), "Heartbeats should stay with the relay")
}

func TestCancelledByMustMatchRole(t *testing.T) {
	hub := testHub(t)
	join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	receiver, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(receiver, mustEnvelope(t, signaling.EventTransferCancel, signaling.TransferCancelPayload{
		RoomID:      "AB12CD34",
		CancelledBy: signaling.RoleSender,
	}))
	assert.Equal(t, 1, receiverSock.count(signaling.EventRejected), "Claiming the other role should be rejected")

	hub.HandleEnvelope(receiver, mustEnvelope(t, signaling.EventTransferCancel, signaling.TransferCancelPayload{
		RoomID:      "AB12CD34",
		CancelledBy: signaling.RoleSystem,
	}))
	assert.Equal(t, 1, receiverSock.count(signaling.EventRejected), "A system cancellation should pass")
}

func TestTransferStartMarksRoomBusy(t *testing.T) {
	hub := testHub(t)
	sender, _ := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(sender, mustEnvelope(t, signaling.EventTransferStart, signaling.TransferStartPayload{
		RoomID:     "AB12CD34",
		Files:      []signaling.FileAnnouncement{{Index: 0, Name: "a.txt", Size: 10}},
		TotalBytes: 10,
	}))

	room, ok := hub.registry.Get("AB12CD34")
	require.True(t, ok, "Room should exist")
	assert.True(t, room.TransferInProgress, "transfer-start should mark the room busy")

	_, lateSock := join(t, hub, "AB12CD34", "10.0.0.3:1", "")
	assert.Equal(t, 1, lateSock.count(signaling.EventRoomBusy), "Joining a busy room should be refused")
}

func TestTroubleshootBroadcastsConservativeSettings(t *testing.T) {
	hub := testHub(t)
	join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	receiver, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.HandleEnvelope(receiver, mustEnvelope(t, signaling.EventTroubleshoot, signaling.TroubleshootPayload{
		RoomID: "AB12CD34",
		Issue:  "connection keeps dropping",
	}))

	env, ok := receiverSock.last(signaling.EventTransferSettings)
	require.True(t, ok, "Troubleshooting should broadcast new settings")
	var p signaling.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p), "Settings payload should decode")
	assert.Equal(t, ConservativeSettings().ChunkSize, p.ChunkSize, "Broadcast should carry the conservative chunk size")
}

func TestUnknownEventRejected(t *testing.T) {
	hub := testHub(t)
	sender, senderSock := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)

	hub.HandleEnvelope(sender, signaling.Envelope{Event: "debug-dump", Data: []byte(`{}`)})

	assert.Equal(t, 1, senderSock.count(signaling.EventRejected), "Unlisted event should be rejected, not ignored")
}

func TestDisconnectNotifiesRemainingPeer(t *testing.T) {
	hub := testHub(t)
	sender, _ := join(t, hub, "AB12CD34", "10.0.0.1:1", signaling.RoleSender)
	_, receiverSock := join(t, hub, "AB12CD34", "10.0.0.2:1", "")

	hub.disconnect(sender)

	assert.Equal(t, 1, receiverSock.count(signaling.EventPeerLeft), "Remaining peer should hear about the departure")
}
