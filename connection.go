// Package peerlink implements the client side of a room-based WebRTC
// signaling protocol: a Connection registers with a relay signaling server
// over WebSocket, negotiates a peer-to-peer session through a pluggable
// session engine, and exposes the result as connect/disconnect/stream/data
// events plus a label-keyed data-channel registry.
package peerlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ayatori/peerlink/engine"
	"github.com/ayatori/peerlink/internal/util"
	"github.com/ayatori/peerlink/signaling"
)

// State is the connection lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateNegotiating
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is the aggregate root: it owns at most one signaling channel,
// one session engine, and the data-channel registry. All mutation flows
// through its message handlers, serialized by a single mutex; user event
// callbacks run after the mutex is released, so they may call back into the
// Connection freely.
type Connection struct {
	signalingURL string
	roomID       string
	opts         *Options

	mu    sync.Mutex
	state State

	// gen invalidates callbacks from a previous signaling channel: every
	// handler compares its captured value against the current one and drops
	// stale events. Bumped on connect and on teardown.
	gen uint64

	// engineGen does the same for session engine callbacks. The engine can
	// be rebuilt mid-session (a remote offer supersedes a pending local
	// one), so it has its own counter, bumped on every engine creation and
	// on teardown.
	engineGen uint64

	channel signaling.Channel
	sess    engine.Engine
	reg     *registry
	media   engine.Media

	// iceServers are the server-issued ICE servers from the accept message,
	// kept so an engine rebuild uses the same set.
	iceServers []webrtc.ICEServer

	authzMetadata json.RawMessage
	isNegotiating bool
	remoteStreams map[string]struct{}

	// connectResult carries the outcome of an in-flight Connect call.
	// Nil when no connect is pending.
	connectResult chan error

	onConnect      func(authzMetadata json.RawMessage, isExistClient bool)
	onDisconnect   func(reason DisconnectReason, err error)
	onAddStream    func(track *webrtc.TrackRemote)
	onRemoveStream func(streamID string)
	onData         func(label string, payload []byte)
}

// New creates an idle Connection for the given room. Nil opts use defaults.
func New(signalingURL, roomID string, opts *Options) *Connection {
	return &Connection{
		signalingURL:  signalingURL,
		roomID:        roomID,
		opts:          normalizeOptions(opts),
		reg:           newRegistry(),
		remoteStreams: make(map[string]struct{}),
	}
}

// OnConnect registers the callback fired once the registration is accepted
// and the local offer has been sent. authzMetadata is the server-supplied
// authorization payload; isExistClient reports whether a remote peer was
// already in the room.
func (c *Connection) OnConnect(fn func(authzMetadata json.RawMessage, isExistClient bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect registers the callback fired on every teardown, tagged with
// its origin.
func (c *Connection) OnDisconnect(fn func(reason DisconnectReason, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// OnAddStream registers the callback fired when a remote track arrives.
func (c *Connection) OnAddStream(fn func(track *webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAddStream = fn
}

// OnRemoveStream registers the callback fired during teardown for each
// remote stream previously announced through OnAddStream.
func (c *Connection) OnRemoveStream(fn func(streamID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoveStream = fn
}

// OnData registers the callback fired for every inbound data-channel
// message, tagged with the channel's label.
func (c *Connection) OnData(fn func(label string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = fn
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AuthzMetadata returns the authorization payload from the accept message,
// or nil before the registration is accepted.
func (c *Connection) AuthzMetadata() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authzMetadata
}

// Connect opens the signaling channel, registers with the room, and blocks
// until the registration is accepted or the attempt fails. media may be nil
// for data-only sessions; it is released during teardown.
//
// Connect fails with ErrAlreadyConnected while a channel or engine exists.
// Context expiry tears the attempt down as a local disconnect.
func (c *Connection) Connect(ctx context.Context, media engine.Media) error {
	c.mu.Lock()
	if c.channel != nil || c.sess != nil || c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.gen++
	gen := c.gen
	c.state = StateRegistering
	c.media = media
	result := make(chan error, 1)
	c.connectResult = result
	c.mu.Unlock()

	handlers := signaling.Handlers{
		OnMessage: func(msg *signaling.Message, err error) { c.handleMessage(gen, msg, err) },
		OnClose:   func() { c.handleChannelClose(gen) },
	}
	ch, err := c.opts.Dial(ctx, c.signalingURL, handlers)
	if err != nil {
		c.mu.Lock()
		c.resetConnectLocked(gen)
		c.mu.Unlock()
		return fmt.Errorf("failed to open signaling channel: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// Torn down while dialing.
		c.mu.Unlock()
		ch.Close()
		return &DisconnectError{Reason: ReasonConnectionClosed}
	}
	c.channel = ch
	register := &signaling.Message{
		Type:          signaling.MsgTypeRegister,
		RoomID:        c.roomID,
		ClientID:      c.opts.ClientID,
		AuthnMetadata: c.opts.AuthnMetadata,
	}
	if err := ch.Send(register); err != nil {
		fire := c.teardownLocked(ReasonConnectionClosed, err)
		c.mu.Unlock()
		fire.run()
		return fmt.Errorf("failed to send register message: %w", err)
	}
	c.mu.Unlock()

	util.LogDebug("registered with room %q as %q", c.roomID, c.opts.ClientID)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears the connection down and returns it to the idle state.
// It is idempotent and safe to call from any state, including from within
// event callbacks.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	fire := c.teardownLocked(ReasonLocalClosed, nil)
	c.mu.Unlock()
	fire.run()
}

// AddDataChannel asks the session engine for a new channel with the given
// label and registers it. It fails with ErrEngineNotReady before the engine
// exists and with ErrChannelExists for a duplicate label.
func (c *Connection) AddDataChannel(label string, opts *engine.DataChannelOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.openChannelLocked(label, opts)
	return err
}

// SendData forwards payload over the data channel with the given label. It
// fails with ErrChannelNotOpen unless the channel has reported open.
func (c *Connection) SendData(label string, payload []byte) error {
	c.mu.Lock()
	entry, ok := c.reg.get(label)
	if !ok || entry.state != channelOpen {
		c.mu.Unlock()
		return ErrChannelNotOpen
	}
	handle := entry.handle
	c.mu.Unlock()

	if err := handle.Send(payload); err != nil {
		return fmt.Errorf("failed to send on data channel %q: %w", label, err)
	}
	util.Stats.AddSent(len(payload))
	return nil
}
