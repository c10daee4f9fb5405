package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/p2pbeam/beam/internal/config"
)

// ErrNoICEServers fails a connection attempt when nothing is configured and
// the public fallback is not permitted.
var ErrNoICEServers = errors.New("no relay-assist servers configured and public fallback not permitted")

// ServerPool holds the configured relay-assist (STUN/TURN) entries and
// implements the selection and rotation rules: prefer a regional match for
// the first pick, round-robin otherwise, and direct selection when the
// relay broadcasts a turn-server-switch.
type ServerPool struct {
	mu      sync.Mutex
	servers []webrtc.ICEServer
	next    int
}

// NewServerPool builds the pool from complete TURN sets, appending the
// public STUN fallback only when the environment permits it. With nothing
// configured and no fallback allowed the pool is empty and the connection
// attempt fails up front.
func NewServerPool(turn []config.TurnServer, allowPublicSTUN bool) *ServerPool {
	var servers []webrtc.ICEServer
	for _, t := range turn {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	if allowPublicSTUN {
		servers = append(servers, webrtc.ICEServer{URLs: []string{config.PublicSTUNURL}})
	}
	return &ServerPool{servers: servers}
}

// Size is the number of entries in the rotation ring.
func (p *ServerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// Pick chooses the initial server. A non-empty regional hint matching a
// server URL wins; otherwise entries are handed out round-robin.
func (p *ServerPool) Pick(regionHint string) (webrtc.ICEServer, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if regionHint != "" {
		hint := strings.ToLower(regionHint)
		for i, s := range p.servers {
			for _, u := range s.URLs {
				if strings.Contains(strings.ToLower(u), hint) {
					return s, i
				}
			}
		}
	}
	i := p.next
	p.next = (p.next + 1) % len(p.servers)
	return p.servers[i], i
}

// Select returns the entry at index, wrapping around the ring. Used when
// the relay announces which server the room rotated to.
func (p *ServerPool) Select(index int) (webrtc.ICEServer, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := index % len(p.servers)
	if i < 0 {
		i += len(p.servers)
	}
	return p.servers[i], i
}
