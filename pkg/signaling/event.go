package signaling

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged between clients and the relay. Client-to-relay
// events are validated against the schema table in schema.go; relay-to-client
// events are emitted by the relay only.
const (
	// Client-to-relay.
	EventJoinRoom         = "join-room"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventICECandidate     = "ice-candidate"
	EventConnectionState  = "connection-state"
	EventTransferStart    = "transfer-start"
	EventTransferProgress = "transfer-progress"
	EventTransferComplete = "transfer-complete"
	EventTransferCancel   = "transfer-cancel"
	EventTroubleshoot     = "troubleshoot"
	EventHeartbeat        = "heartbeat"

	// Relay-to-client.
	EventRoomJoined       = "room-joined"
	EventPeerJoined       = "peer-joined"
	EventPeerLeft         = "peer-left"
	EventRoomFull         = "room-full"
	EventRoomBusy         = "room-busy"
	EventRoomExpired      = "room-expired"
	EventRateLimited      = "rate-limited"
	EventRejected         = "rejected"
	EventTurnServerSwitch = "turn-server-switch"
	EventTransferSettings = "transfer-settings"
)

// Role identifies which side of a transfer a participant drives.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a role a participant may hold.
func (r Role) Valid() bool {
	return r == RoleSender || r == RoleReceiver
}

// Envelope is the outer frame of every signaling message. Data stays raw
// until the event-specific decoder has accepted it.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for sending.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Connection state values mirrored from the peer connection lifecycle.
const (
	ConnStateNew          = "new"
	ConnStateConnecting   = "connecting"
	ConnStateConnected    = "connected"
	ConnStateDisconnected = "disconnected"
	ConnStateFailed       = "failed"
	ConnStateClosed       = "closed"
)

// Network type hints a client may report when joining.
const (
	NetworkWifi     = "wifi"
	NetworkCellular = "cellular"
	NetworkEthernet = "ethernet"
	NetworkUnknown  = "unknown"
)

// RoomJoinedPayload tells a client the room accepted it and with which role.
type RoomJoinedPayload struct {
	RoomID       string `json:"roomId"`
	Role         Role   `json:"role"`
	PeerPresent  bool   `json:"peerPresent"`
	ChunkSize    int    `json:"chunkSize"`
	BufferTarget int    `json:"bufferTarget"`
	ChunkDelayMs int    `json:"chunkDelayMs"`
}

// PeerPayload announces the other participant joining or leaving.
type PeerPayload struct {
	Role Role `json:"role"`
}

// RateLimitedPayload carries the wait hint for a throttled connection.
type RateLimitedPayload struct {
	Event        string `json:"event"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

// TurnServerSwitchPayload tells both peers to move to another relay-assist
// server after an ICE restart.
type TurnServerSwitchPayload struct {
	ServerIndex int `json:"serverIndex"`
}
