package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/p2pbeam/beam/pkg/signaling"
)

// envelopeWriter is the slice of *websocket.Conn the hub writes through.
// Tests substitute an in-memory sink.
type envelopeWriter interface {
	WriteJSON(v interface{}) error
}

// Conn wraps one websocket connection. It satisfies Peer; writes are
// serialized behind a mutex because forwards and direct replies race.
type Conn struct {
	id   string
	addr string
	ws   envelopeWriter

	mu     sync.Mutex
	roomID string
	role   signaling.Role
}

func newConn(ws envelopeWriter, addr string) *Conn {
	return &Conn{id: uuid.NewString(), addr: addr, ws: ws}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Addr() string { return c.addr }

// Send marshals an envelope and writes it. Safe for concurrent use.
func (c *Conn) Send(event string, payload any) error {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *Conn) membership() (string, signaling.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.role
}

func (c *Conn) setMembership(roomID string, role signaling.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID, c.role = roomID, role
}

// Hub drives the relay: every inbound envelope passes the abuse limiter,
// the event schema, and authorization before being forwarded to the other
// room member. The hub never multicasts back to the sender of a message and
// never retains payload content.
type Hub struct {
	registry *Registry
	limiter  *Limiter
	metrics  *Metrics
	log      *logrus.Logger

	// turnServers is how many relay-assist entries exist; rotation on ICE
	// restart walks this ring.
	turnServers int
}

// NewHub wires the relay pipeline together.
func NewHub(registry *Registry, limiter *Limiter, metrics *Metrics, turnServers int, log *logrus.Logger) *Hub {
	if turnServers < 1 {
		turnServers = 1
	}
	return &Hub{
		registry:    registry,
		limiter:     limiter,
		metrics:     metrics,
		log:         log,
		turnServers: turnServers,
	}
}

// maxFrameBytes caps a single inbound websocket frame at the transport.
// The largest legal payload is an SDP; anything bigger dies in ReadMessage
// before the limiter or the schema ever see it.
const maxFrameBytes = signaling.MaxSDPBytes + 4096

// ServeConn runs the read loop for one websocket until it closes, then
// cleans up room membership.
func (h *Hub) ServeConn(ws *websocket.Conn, addr string) {
	ws.SetReadLimit(maxFrameBytes)
	conn := newConn(ws, addr)
	h.metrics.ConnOpened()
	defer h.metrics.ConnClosed()
	defer h.disconnect(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.reject(conn, "unparseable envelope", err)
			continue
		}
		h.handle(conn, env)
	}
}

// HandleEnvelope is the transport-independent entry point; tests drive it
// directly with fake peers.
func (h *Hub) HandleEnvelope(conn *Conn, env signaling.Envelope) {
	h.handle(conn, env)
}

func (h *Hub) handle(conn *Conn, env signaling.Envelope) {
	// Abuse control comes first, before any schema work. Unknown events and
	// oversize payloads die here.
	if err := h.limiter.Enforce(conn.ID(), conn.Addr(), env.Event, len(env.Data)); err != nil {
		var throttled *ThrottledError
		if errors.As(err, &throttled) {
			h.metrics.Throttled()
			_ = conn.Send(signaling.EventRateLimited, signaling.RateLimitedPayload{
				Event:        env.Event,
				RetryAfterMs: throttled.RetryAfter.Milliseconds(),
			})
			return
		}
		h.reject(conn, "limiter refused event", err)
		return
	}

	payload, err := signaling.Decode(env.Event, env.Data)
	if err != nil {
		h.reject(conn, "schema validation failed", err)
		return
	}

	if env.Event == signaling.EventJoinRoom {
		h.handleJoin(conn, payload.(signaling.JoinRoomPayload))
		return
	}

	roomID, role := conn.membership()
	claimed := signaling.RoomOf(payload)
	if roomID == "" || claimed != roomID {
		h.reject(conn, "message for a room the connection is not in", nil)
		return
	}
	if !eventAllowedForRole(env.Event, role) {
		h.reject(conn, "event not allowed for role", nil)
		return
	}
	if cancel, ok := payload.(signaling.TransferCancelPayload); ok {
		if cancel.CancelledBy != "" && cancel.CancelledBy != signaling.RoleSystem && cancel.CancelledBy != role {
			h.reject(conn, "cancelledBy does not match acting role", nil)
			return
		}
	}

	h.registry.Touch(roomID)
	if err := h.applyAndForward(conn, env, payload, roomID); err != nil {
		h.reject(conn, "relay failed", err)
	}
}

// eventAllowedForRole is the authorization matrix. Offers and transfer
// lifecycle events are sender-only, answers receiver-only, the rest either
// role.
func eventAllowedForRole(event string, role signaling.Role) bool {
	switch event {
	case signaling.EventOffer, signaling.EventTransferStart,
		signaling.EventTransferProgress, signaling.EventTransferComplete:
		return role == signaling.RoleSender
	case signaling.EventAnswer:
		return role == signaling.RoleReceiver
	case signaling.EventICECandidate, signaling.EventConnectionState,
		signaling.EventTransferCancel, signaling.EventTroubleshoot,
		signaling.EventHeartbeat:
		return role.Valid()
	default:
		return false
	}
}

// applyAndForward performs the event's minimal bookkeeping inside one
// registry mutation, then forwards the validated envelope to the other
// member.
func (h *Hub) applyAndForward(conn *Conn, env signaling.Envelope, payload any, roomID string) error {
	var target *Participant
	var turnSwitch *signaling.TurnServerSwitchPayload
	var settingsUpdate *signaling.RoomJoinedPayload

	err := h.registry.Mutate(roomID, func(room *Room) error {
		member := room.member(conn.ID())
		if member == nil {
			return ErrNotMember
		}
		member.LastSeen = room.LastActivity

		switch p := payload.(type) {
		case signaling.SessionDescriptionPayload:
			if p.Description.Type == "offer" {
				// A second offer on a live room is an ICE restart: rotate
				// the relay-assist entry and tell both sides.
				if room.OfferCount > 0 {
					room.RestartCount++
					room.TurnIndex = (room.TurnIndex + 1) % h.turnServers
					turnSwitch = &signaling.TurnServerSwitchPayload{ServerIndex: room.TurnIndex}
				}
				room.OfferCount++
			}
		case signaling.ICECandidatePayload:
			member.CandidateCount++
		case signaling.ConnectionStatePayload:
			member.ConnState = p.State
		case signaling.TransferStartPayload:
			room.TransferInProgress = true
		case signaling.TransferCompletePayload:
			room.TransferInProgress = false
		case signaling.TransferCancelPayload:
			if p.FileIndex == nil {
				room.TransferInProgress = false
			}
		case signaling.TroubleshootPayload:
			room.Settings = ConservativeSettings()
			settingsUpdate = &signaling.RoomJoinedPayload{
				RoomID:       room.ID,
				ChunkSize:    room.Settings.ChunkSize,
				BufferTarget: room.Settings.BufferTarget,
				ChunkDelayMs: int(room.Settings.ChunkDelay.Milliseconds()),
			}
		}

		target = room.other(conn.ID())
		return nil
	})
	if err != nil {
		return err
	}

	if turnSwitch != nil {
		h.metrics.ICERestart()
		h.broadcast(roomID, signaling.EventTurnServerSwitch, *turnSwitch)
	}
	if settingsUpdate != nil {
		h.broadcast(roomID, signaling.EventTransferSettings, *settingsUpdate)
	}

	// Heartbeats refresh the idle clock but carry nothing for the peer.
	if env.Event == signaling.EventHeartbeat {
		return nil
	}
	if target == nil {
		// No peer yet; nothing to forward. Not an error: offers can arrive
		// moments after the other side dropped.
		return nil
	}
	h.metrics.Relayed()
	return target.Peer.Send(env.Event, env.Data)
}

// broadcast sends an event to every member of the room, settings and TURN
// rotation being the two room-wide notifications.
func (h *Hub) broadcast(roomID string, event string, payload any) {
	room, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	for _, p := range roomMembers(room) {
		if err := p.Peer.Send(event, payload); err != nil {
			h.log.WithError(err).WithField("room", roomID).Warn("broadcast write failed")
		}
	}
}

func (h *Hub) handleJoin(conn *Conn, p signaling.JoinRoomPayload) {
	if roomID, _ := conn.membership(); roomID != "" {
		h.reject(conn, "connection already in a room", nil)
		return
	}
	networkType := ""
	if p.NetworkInfo != nil {
		networkType = p.NetworkInfo.Type
	}
	result, err := h.registry.Join(p.RoomID, conn, p.Role, networkType)
	switch {
	case errors.Is(err, ErrRoomBusy):
		_ = conn.Send(signaling.EventRoomBusy, nil)
		return
	case errors.Is(err, ErrRoomFull):
		_ = conn.Send(signaling.EventRoomFull, nil)
		return
	case err != nil:
		h.reject(conn, "join failed", err)
		return
	}

	conn.setMembership(p.RoomID, result.Role)
	_ = conn.Send(signaling.EventRoomJoined, signaling.RoomJoinedPayload{
		RoomID:       p.RoomID,
		Role:         result.Role,
		PeerPresent:  result.PeerPresent,
		ChunkSize:    result.Room.Settings.ChunkSize,
		BufferTarget: result.Room.Settings.BufferTarget,
		ChunkDelayMs: int(result.Room.Settings.ChunkDelay.Milliseconds()),
	})
	if result.Other != nil {
		_ = result.Other.Peer.Send(signaling.EventPeerJoined, signaling.PeerPayload{Role: result.Role})
	}
}

// reject answers every schema and authorization failure with the same
// generic event. The detailed reason stays in the server log only, so a
// probing client cannot distinguish validation from authorization.
func (h *Hub) reject(conn *Conn, reason string, err error) {
	h.metrics.Rejected()
	entry := h.log.WithFields(logrus.Fields{"conn": conn.ID(), "reason": reason})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("message rejected")
	_ = conn.Send(signaling.EventRejected, nil)
}

func (h *Hub) disconnect(conn *Conn) {
	roomID, _ := conn.membership()
	if roomID == "" {
		return
	}
	if other := h.registry.Leave(roomID, conn.ID()); other != nil {
		_ = other.Peer.Send(signaling.EventPeerLeft, signaling.PeerPayload{Role: other.Role})
	}
	conn.setMembership("", "")
}
