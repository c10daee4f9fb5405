package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/p2pbeam/beam/pkg/signaling"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomBusy     = errors.New("room has a transfer in progress")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("connection is not a member of the room")
)

// RoomIdleTimeout is how long a room may go without activity before its
// expiry timer destroys it.
const RoomIdleTimeout = time.Hour

// Registry owns all room and participant state. There is no package-level
// state; the hub carries a *Registry into every connection handler.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	idleTimeout time.Duration
	now         func() time.Time
	log         *logrus.Logger
}

// NewRegistry creates an empty registry using the default idle timeout.
func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		idleTimeout: RoomIdleTimeout,
		now:         time.Now,
		log:         log,
	}
}

// JoinResult is what a successful join hands back to the hub.
type JoinResult struct {
	Room        *Room
	Role        signaling.Role
	PeerPresent bool
	Other       *Participant
}

// Join places peer into the room with id, creating the room on first join.
// An explicitly requested role is honored only if it is free; otherwise the
// free role is assigned sender first, receiver second.
func (reg *Registry) Join(id string, peer Peer, requested signaling.Role, networkType string) (*JoinResult, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		room = reg.createRoomLocked(id)
	}

	if room.TransferInProgress {
		return nil, ErrRoomBusy
	}
	if len(room.Participants) >= 2 {
		return nil, ErrRoomFull
	}

	role, err := assignRole(room, requested)
	if err != nil {
		return nil, err
	}

	now := reg.now()
	if networkType == "" {
		networkType = signaling.NetworkUnknown
	}
	p := &Participant{
		Peer:        peer,
		Role:        role,
		ConnState:   signaling.ConnStateNew,
		NetworkType: networkType,
		LastSeen:    now,
		JoinedAt:    now,
	}
	room.Participants[peer.ID()] = p
	room.LastActivity = now

	other := room.other(peer.ID())
	if other != nil {
		// Two distinct source addresses give the link estimate; a large
		// octet delta downgrades the whole room to conservative settings.
		room.DistanceEstimate = EstimateDistance(peer.Addr(), other.Peer.Addr())
		if room.DistanceEstimate >= longDistanceThreshold ||
			networkType == signaling.NetworkCellular ||
			other.NetworkType == signaling.NetworkCellular {
			room.LongDistance = room.DistanceEstimate >= longDistanceThreshold
			room.Settings = ConservativeSettings()
		}
	}

	reg.log.WithFields(logrus.Fields{
		"room": id,
		"peer": peer.ID(),
		"role": role,
	}).Info("participant joined room")

	return &JoinResult{
		Room:        room,
		Role:        role,
		PeerPresent: other != nil,
		Other:       other,
	}, nil
}

func assignRole(room *Room, requested signaling.Role) (signaling.Role, error) {
	if requested != "" && requested.Valid() {
		if room.byRole(requested) == nil {
			return requested, nil
		}
		// Requested role taken; fall through to automatic assignment.
	}
	if room.byRole(signaling.RoleSender) == nil {
		return signaling.RoleSender, nil
	}
	if room.byRole(signaling.RoleReceiver) == nil {
		return signaling.RoleReceiver, nil
	}
	return "", ErrRoomFull
}

// createRoomLocked creates the room and arms its expiry timer. Callers hold
// reg.mu.
func (reg *Registry) createRoomLocked(id string) *Room {
	now := reg.now()
	room := &Room{
		ID:           id,
		Participants: make(map[string]*Participant),
		CreatedAt:    now,
		LastActivity: now,
		Settings:     DefaultSettings(),
	}
	// One long timer per room. Touch never resets it; the guard below
	// re-checks real idle time when it fires.
	room.expiry = time.AfterFunc(reg.idleTimeout, func() { reg.checkExpiry(id) })
	reg.rooms[id] = room
	reg.log.WithField("room", id).Info("room created")
	return room
}

// checkExpiry fires from the room's timer. The timer may fire while the room
// has seen recent activity, so it compares actual idle time first and
// re-arms itself for the remainder when the room is still live.
func (reg *Registry) checkExpiry(id string) {
	reg.mu.Lock()
	room, ok := reg.rooms[id]
	if !ok {
		reg.mu.Unlock()
		return
	}
	idle := reg.now().Sub(room.LastActivity)
	if idle < reg.idleTimeout {
		room.expiry.Reset(reg.idleTimeout - idle)
		reg.mu.Unlock()
		return
	}
	members := roomMembers(room)
	reg.destroyLocked(room, "expired")
	reg.mu.Unlock()

	for _, p := range members {
		_ = p.Peer.Send(signaling.EventRoomExpired, nil)
	}
}

// Touch records activity on the room, postponing logical expiry.
func (reg *Registry) Touch(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok := reg.rooms[id]; ok {
		room.LastActivity = reg.now()
	}
}

// Get returns the room with id.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// Member returns the participant record for peerID in room id.
func (reg *Registry) Member(id, peerID string) (*Participant, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	p := room.member(peerID)
	if p == nil {
		return nil, ErrNotMember
	}
	return p, nil
}

// Leave removes peerID from room id, returning the remaining participant so
// the hub can notify it. A room with no participants left is destroyed
// immediately.
func (reg *Registry) Leave(id, peerID string) *Participant {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		return nil
	}
	if room.member(peerID) == nil {
		return nil
	}
	delete(room.Participants, peerID)
	room.TransferInProgress = false
	room.LastActivity = reg.now()

	reg.log.WithFields(logrus.Fields{"room": id, "peer": peerID}).Info("participant left room")

	other := room.other(peerID)
	if other == nil {
		reg.destroyLocked(room, "empty")
		return nil
	}
	return other
}

// Expire force-destroys a room and tells every member. Used by tests and
// operational tooling; normal expiry goes through the room's own timer.
func (reg *Registry) Expire(id string) {
	reg.mu.Lock()
	room, ok := reg.rooms[id]
	if !ok {
		reg.mu.Unlock()
		return
	}
	members := roomMembers(room)
	reg.destroyLocked(room, "forced")
	reg.mu.Unlock()

	for _, p := range members {
		_ = p.Peer.Send(signaling.EventRoomExpired, nil)
	}
}

func (reg *Registry) destroyLocked(room *Room, reason string) {
	if room.expiry != nil {
		room.expiry.Stop()
	}
	delete(reg.rooms, room.ID)
	reg.log.WithFields(logrus.Fields{"room": room.ID, "reason": reason}).Info("room destroyed")
}

func roomMembers(room *Room) []*Participant {
	members := make([]*Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		members = append(members, p)
	}
	return members
}

// Stats is a point-in-time summary for diagnostics and the periodic log
// sweep.
type Stats struct {
	Rooms           int `json:"rooms"`
	Connections     int `json:"connections"`
	ActiveTransfers int `json:"activeTransfers"`
	ICERestarts     int `json:"iceRestarts"`
	LongDistance    int `json:"longDistanceRooms"`
}

// Snapshot gathers registry-wide counters.
func (reg *Registry) Snapshot() Stats {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var s Stats
	s.Rooms = len(reg.rooms)
	for _, room := range reg.rooms {
		s.Connections += len(room.Participants)
		if room.TransferInProgress {
			s.ActiveTransfers++
		}
		if room.LongDistance {
			s.LongDistance++
		}
		s.ICERestarts += room.RestartCount
	}
	return s
}

// Mutate runs fn against the live room under the registry lock. Message
// handlers use it so every state change is one atomic unit.
func (reg *Registry) Mutate(id string, fn func(*Room) error) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	return fn(room)
}
