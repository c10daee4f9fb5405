package relay

import (
	"net"
	"strings"
	"time"

	"github.com/p2pbeam/beam/pkg/signaling"
)

// Peer is one connected signaling participant as the registry sees it.
// The hub's websocket connection satisfies it; tests use fakes.
type Peer interface {
	ID() string
	Addr() string
	Send(event string, payload any) error
}

// Participant is the per-room bookkeeping for one peer.
type Participant struct {
	Peer           Peer
	Role           signaling.Role
	ConnState      string
	NetworkType    string
	LastSeen       time.Time
	CandidateCount int
	JoinedAt       time.Time
}

// AdaptiveSettings are the room-wide transfer tuning knobs. The relay picks
// them from the link estimate; clients apply them verbatim.
type AdaptiveSettings struct {
	ChunkSize    int           `json:"chunkSize"`
	BufferTarget int           `json:"bufferTarget"`
	ChunkDelay   time.Duration `json:"-"`
}

// DefaultSettings suit a nearby, healthy link.
func DefaultSettings() AdaptiveSettings {
	return AdaptiveSettings{
		ChunkSize:    64 * 1024,
		BufferTarget: 1024 * 1024,
		ChunkDelay:   0,
	}
}

// ConservativeSettings suit long-distance or struggling links: smaller
// chunks, a lower buffered-bytes ceiling, and breathing room between chunks.
func ConservativeSettings() AdaptiveSettings {
	return AdaptiveSettings{
		ChunkSize:    16 * 1024,
		BufferTarget: 256 * 1024,
		ChunkDelay:   10 * time.Millisecond,
	}
}

// Room pairs at most two participants for the lifetime of one transfer.
type Room struct {
	ID                 string
	Participants       map[string]*Participant // keyed by peer ID
	TransferInProgress bool
	CreatedAt          time.Time
	LastActivity       time.Time
	Settings           AdaptiveSettings
	TurnIndex          int
	RestartCount       int
	OfferCount         int
	LongDistance       bool
	DistanceEstimate   int

	expiry *time.Timer
}

// byRole returns the participant holding role, if any.
func (r *Room) byRole(role signaling.Role) *Participant {
	for _, p := range r.Participants {
		if p.Role == role {
			return p
		}
	}
	return nil
}

// member returns the participant record for peerID, if present.
func (r *Room) member(peerID string) *Participant {
	return r.Participants[peerID]
}

// other returns the participant that is not peerID, if any.
func (r *Room) other(peerID string) *Participant {
	for id, p := range r.Participants {
		if id != peerID {
			return p
		}
	}
	return nil
}

// longDistanceThreshold is the octet-delta score above which a pair of
// addresses is treated as far apart.
const longDistanceThreshold = 150

// EstimateDistance scores how far apart two source addresses look, from
// their octet deltas. It is a coarse hint used only to pick conservative
// transfer settings; anything unparseable scores zero.
func EstimateDistance(addrA, addrB string) int {
	a := parseIPv4(addrA)
	b := parseIPv4(addrB)
	if a == nil || b == nil {
		return 0
	}
	score := 0
	weights := [4]int{8, 4, 2, 1}
	for i := 0; i < 4; i++ {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		score += d * weights[i]
	}
	return score
}

func parseIPv4(addr string) net.IP {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

// privateOrLoopback reports whether host names a loopback or RFC1918/link
// local address. Used by the origin allow list outside production.
func privateOrLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	// Strip a port if one is present.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
