package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/p2pbeam/beam/internal/config"
	"github.com/p2pbeam/beam/pkg/signaling"
	"github.com/p2pbeam/beam/pkg/transfer"
)

// ConnectTimeout bounds the connecting state. Exceeding it finalizes the
// transfer as an error; there is no other automatic timeout.
const ConnectTimeout = 120 * time.Second

// maxNegotiationAttempts is how many failed attempts a session tolerates
// before it treats the link as long distance and asks the room for
// conservative settings.
const maxNegotiationAttempts = 3

const dataChannelLabel = "beam-data"

// Config carries everything a session needs to negotiate.
type Config struct {
	RelayURL    string
	RoomID      string
	Role        signaling.Role
	NetworkType string
	RegionHint  string
	TurnServers []config.TurnServer
	AllowSTUN   bool
}

// Controller negotiates one peer connection for one session: offer/answer
// exchange through the relay, candidate forwarding, relay-assist rotation,
// and ICE-restart recovery. It is single use; a new session needs a new
// controller.
type Controller struct {
	cfg     Config
	signal  *SignalClient
	pool    *ServerPool
	machine *transfer.StateMachine
	events  transfer.Events
	gen     uint64

	api *webrtc.API
	pc  *webrtc.PeerConnection

	mu                sync.Mutex
	state             string
	attempts          int
	longDistance      bool
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	role              signaling.Role
	settings          transfer.SendOptions
	onMessage         func(webrtc.DataChannelMessage)

	dcReady   chan *webrtc.DataChannel
	connected chan struct{}
	failed    chan error
}

// NewController builds a controller around a fresh session generation.
func NewController(cfg Config, machine *transfer.StateMachine, events transfer.Events) *Controller {
	if events == nil {
		events = transfer.NopEvents{}
	}
	settings := webrtc.SettingEngine{}
	// One private API instance per controller keeps concurrent sessions in
	// one process from sharing mutable engine state.
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return &Controller{
		cfg:       cfg,
		pool:      NewServerPool(cfg.TurnServers, cfg.AllowSTUN),
		machine:   machine,
		events:    events,
		gen:       machine.Generation(),
		api:       api,
		state:     signaling.ConnStateNew,
		settings:  transfer.DefaultSendOptions(),
		dcReady:   make(chan *webrtc.DataChannel, 1),
		connected: make(chan struct{}, 1),
		failed:    make(chan error, 2),
	}
}

// Settings returns the room's current adaptive transfer settings.
func (c *Controller) Settings() transfer.SendOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Role returns the role the relay assigned.
func (c *Controller) Role() signaling.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Signal exposes the session's relay connection for transfer-level events
// (progress, cancel) that travel out of band.
func (c *Controller) Signal() *SignalClient {
	return c.signal
}

// HandleMessages registers the inbound frame handler. Call it before
// Connect: the handler is attached the moment the remote side announces the
// channel, so no frame can arrive unhandled.
func (c *Controller) HandleMessages(fn func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// bindDataChannel attaches the registered handler to a remotely announced
// channel and hands it to Connect. Attachment happens here, before the
// channel opens, so the first frame already has a handler.
func (c *Controller) bindDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		dc.OnMessage(handler)
	}
	select {
	case c.dcReady <- dc:
	default:
	}
}

// Connect joins the room, negotiates the peer connection, and returns the
// open data channel. It blocks until the channel is open, the 120 second
// budget runs out, or ctx is cancelled.
func (c *Controller) Connect(ctx context.Context) (*webrtc.DataChannel, error) {
	c.machine.Apply(c.gen, transfer.StatusConnecting)
	c.setState(signaling.ConnStateConnecting)

	signal, err := DialSignal(ctx, c.cfg.RelayURL)
	if err != nil {
		return nil, c.fail(err)
	}
	c.signal = signal

	if err := signal.Join(c.cfg.RoomID, c.cfg.Role, c.cfg.NetworkType); err != nil {
		return nil, c.fail(err)
	}

	joined, err := c.awaitJoin(ctx)
	if err != nil {
		return nil, c.fail(err)
	}
	c.mu.Lock()
	c.role = joined.Role
	c.applySettingsLocked(joined.ChunkSize, joined.BufferTarget, joined.ChunkDelayMs)
	c.mu.Unlock()

	if err := c.buildPeerConnection(); err != nil {
		return nil, c.fail(err)
	}

	go c.eventLoop()

	var dc *webrtc.DataChannel
	if joined.Role == signaling.RoleSender {
		dc, err = c.senderNegotiate()
		if err != nil {
			return nil, c.fail(err)
		}
	}

	deadline := time.NewTimer(ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-c.connected:
			if dc != nil {
				return c.awaitChannelOpen(ctx, deadline, dc)
			}
			select {
			case opened := <-c.dcReady:
				return opened, nil
			case <-deadline.C:
				return nil, c.fail(transfer.ErrConnectTimeout)
			case <-ctx.Done():
				return nil, c.fail(ctx.Err())
			}
		case err := <-c.failed:
			return nil, c.fail(err)
		case <-deadline.C:
			return nil, c.fail(transfer.ErrConnectTimeout)
		case <-ctx.Done():
			return nil, c.fail(ctx.Err())
		}
	}
}

// awaitChannelOpen waits for the sender-created channel to open.
func (c *Controller) awaitChannelOpen(ctx context.Context, deadline *time.Timer, dc *webrtc.DataChannel) (*webrtc.DataChannel, error) {
	open := make(chan struct{})
	dc.OnOpen(func() { close(open) })
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		return dc, nil
	}
	select {
	case <-open:
		return dc, nil
	case <-deadline.C:
		return nil, c.fail(transfer.ErrConnectTimeout)
	case <-ctx.Done():
		return nil, c.fail(ctx.Err())
	}
}

// awaitJoin reads relay responses until the room accepts or refuses us.
func (c *Controller) awaitJoin(ctx context.Context) (*signaling.RoomJoinedPayload, error) {
	for {
		select {
		case env, ok := <-c.signal.Events():
			if !ok {
				return nil, transfer.ErrChannelClosed
			}
			switch env.Event {
			case signaling.EventRoomJoined:
				var p signaling.RoomJoinedPayload
				if err := json.Unmarshal(env.Data, &p); err != nil {
					return nil, fmt.Errorf("bad room-joined payload: %w", err)
				}
				return &p, nil
			case signaling.EventRoomFull:
				return nil, fmt.Errorf("room %s is full", c.cfg.RoomID)
			case signaling.EventRoomBusy:
				return nil, fmt.Errorf("room %s has a transfer in progress", c.cfg.RoomID)
			case signaling.EventRejected:
				return nil, fmt.Errorf("relay rejected join for room %s", c.cfg.RoomID)
			default:
				// Anything else this early is relay chatter; keep waiting.
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) buildPeerConnection() error {
	if c.pool.Size() == 0 {
		return ErrNoICEServers
	}
	server, idx := c.pool.Pick(c.cfg.RegionHint)
	slog.Info("using relay-assist server", "index", idx, "urls", server.URLs)

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: []webrtc.ICEServer{server}})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	c.pc = pc

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		payload := signaling.ICECandidatePayload{
			RoomID: c.cfg.RoomID,
			Candidate: signaling.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		}
		if err := c.signal.Send(signaling.EventICECandidate, payload); err != nil {
			slog.Warn("failed to forward ICE candidate", "error", err)
		}
	})

	pc.OnDataChannel(c.bindDataChannel)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleConnectionState(state)
	})
	return nil
}

func (c *Controller) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.setState(signaling.ConnStateConnected)
		select {
		case c.connected <- struct{}{}:
		default:
		}
	case webrtc.PeerConnectionStateConnecting:
		c.setState(signaling.ConnStateConnecting)
	case webrtc.PeerConnectionStateDisconnected:
		c.setState(signaling.ConnStateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		c.setState(signaling.ConnStateFailed)
		c.onNegotiationFailure()
	case webrtc.PeerConnectionStateClosed:
		c.setState(signaling.ConnStateClosed)
	}
}

// onNegotiationFailure retries with an ICE restart a bounded number of
// times; sustained difficulty flips the session to long distance and asks
// the room for conservative transfer settings.
func (c *Controller) onNegotiationFailure() {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	already := c.longDistance
	role := c.role
	c.mu.Unlock()

	if attempts > maxNegotiationAttempts {
		if !already {
			c.mu.Lock()
			c.longDistance = true
			c.mu.Unlock()
			_ = c.signal.Send(signaling.EventTroubleshoot, signaling.TroubleshootPayload{
				RoomID: c.cfg.RoomID,
				Issue:  "sustained negotiation failure",
			})
		}
		c.pushFailure(fmt.Errorf("negotiation failed after %d attempts", attempts))
		return
	}
	if role == signaling.RoleSender {
		if err := c.restartICE(); err != nil {
			c.pushFailure(err)
		}
	}
}

// senderNegotiate creates the data channel and the initial offer.
func (c *Controller) senderNegotiate() (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	if err := c.sendOffer(false); err != nil {
		return nil, err
	}
	return dc, nil
}

func (c *Controller) sendOffer(restart bool) error {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return c.signal.Send(signaling.EventOffer, signaling.SessionDescriptionPayload{
		RoomID:      c.cfg.RoomID,
		Description: signaling.SessionDescription{Type: "offer", SDP: offer.SDP},
	})
}

// restartICE re-offers with the ICERestart flag after the relay rotated
// the relay-assist entry.
func (c *Controller) restartICE() error {
	slog.Info("restarting ICE negotiation")
	return c.sendOffer(true)
}

// eventLoop applies relay events in arrival order. Candidates and session
// descriptions are ordered per channel; events for a session that has
// already been reset are dropped by the generation check.
func (c *Controller) eventLoop() {
	for env := range c.signal.Events() {
		if c.machine.Generation() != c.gen {
			slog.Warn("dropping signaling event for stale session", "event", env.Event)
			continue
		}
		if err := c.handleSignal(env); err != nil {
			slog.Warn("signaling event failed", "event", env.Event, "error", err)
		}
	}
}

func (c *Controller) handleSignal(env signaling.Envelope) error {
	switch env.Event {
	case signaling.EventOffer:
		return c.handleRemoteOffer(env.Data)
	case signaling.EventAnswer:
		return c.handleRemoteAnswer(env.Data)
	case signaling.EventICECandidate:
		return c.handleRemoteCandidate(env.Data)
	case signaling.EventTurnServerSwitch:
		var p signaling.TurnServerSwitchPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		server, idx := c.pool.Select(p.ServerIndex)
		// The restarted negotiation must gather against the rotated entry,
		// not the one the connection was built with.
		if err := c.pc.SetConfiguration(webrtc.Configuration{ICEServers: []webrtc.ICEServer{server}}); err != nil {
			return fmt.Errorf("failed to apply rotated relay-assist server: %w", err)
		}
		slog.Info("room rotated relay-assist server", "index", idx)
		return nil
	case signaling.EventTransferSettings, signaling.EventRoomJoined:
		var p signaling.RoomJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		c.mu.Lock()
		c.applySettingsLocked(p.ChunkSize, p.BufferTarget, p.ChunkDelayMs)
		c.mu.Unlock()
		return nil
	case signaling.EventConnectionState:
		return nil // peer's view, informational
	case signaling.EventPeerJoined, signaling.EventPeerLeft:
		return nil
	case signaling.EventRoomExpired:
		c.pushFailure(fmt.Errorf("room %s expired", c.cfg.RoomID))
		return nil
	case signaling.EventRateLimited, signaling.EventRejected:
		slog.Warn("relay pushed back", "event", env.Event)
		return nil
	default:
		return nil
	}
}

func (c *Controller) handleRemoteOffer(data []byte) error {
	if c.Role() != signaling.RoleReceiver {
		return nil // stale or misdirected; shape alone is not identity
	}
	var p signaling.SessionDescriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.RoomID != c.cfg.RoomID {
		return transfer.ErrSessionMismatch
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.Description.SDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	c.flushPendingCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}
	return c.signal.Send(signaling.EventAnswer, signaling.SessionDescriptionPayload{
		RoomID:      c.cfg.RoomID,
		Description: signaling.SessionDescription{Type: "answer", SDP: answer.SDP},
	})
}

func (c *Controller) handleRemoteAnswer(data []byte) error {
	if c.Role() != signaling.RoleSender {
		return nil
	}
	var p signaling.SessionDescriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.RoomID != c.cfg.RoomID {
		return transfer.ErrSessionMismatch
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.Description.SDP}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	c.flushPendingCandidates()
	return nil
}

// handleRemoteCandidate applies candidates in arrival order, parking any
// that land before the remote description.
func (c *Controller) handleRemoteCandidate(data []byte) error {
	var p signaling.ICECandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.RoomID != c.cfg.RoomID {
		return transfer.ErrSessionMismatch
	}
	init := webrtc.ICECandidateInit{
		Candidate:        p.Candidate.Candidate,
		SDPMid:           p.Candidate.SDPMid,
		SDPMLineIndex:    p.Candidate.SDPMLineIndex,
		UsernameFragment: p.Candidate.UsernameFragment,
	}
	c.mu.Lock()
	if !c.remoteDescSet {
		c.pendingCandidates = append(c.pendingCandidates, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(init)
}

func (c *Controller) flushPendingCandidates() {
	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()
	for _, init := range pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			slog.Warn("failed to apply parked candidate", "error", err)
		}
	}
}

func (c *Controller) applySettingsLocked(chunkSize, bufferTarget, delayMs int) {
	if chunkSize > 0 {
		c.settings.ChunkSize = chunkSize
	}
	if bufferTarget > 0 {
		c.settings.BufferTarget = uint64(bufferTarget)
	}
	if delayMs >= 0 {
		c.settings.ChunkDelay = time.Duration(delayMs) * time.Millisecond
	}
}

func (c *Controller) setState(state string) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.events.ConnectionState(state)
		if c.signal != nil {
			_ = c.signal.Send(signaling.EventConnectionState, signaling.ConnectionStatePayload{
				RoomID: c.cfg.RoomID,
				State:  state,
			})
		}
	}
}

// State returns the controller's current connection state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// pushFailure hands an error to Connect without blocking callbacks that
// fire after Connect already returned.
func (c *Controller) pushFailure(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func (c *Controller) fail(err error) error {
	c.machine.ApplyError(c.gen, err.Error())
	c.events.Failed(transfer.Categorize(err), err)
	return err
}

// Close tears the session down: peer connection first, then the signaling
// subscription.
func (c *Controller) Close() error {
	if c.pc != nil {
		_ = c.pc.Close()
	}
	if c.signal != nil {
		return c.signal.Close()
	}
	return nil
}
