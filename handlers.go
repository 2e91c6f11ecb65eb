package peerlink

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"github.com/ayatori/peerlink/engine"
	"github.com/ayatori/peerlink/internal/util"
	"github.com/ayatori/peerlink/signaling"
)

// closePollInterval is the fixed retry interval for the engine-close
// confirmation poll during teardown.
const closePollInterval = 100 * time.Millisecond

var errEngineNotClosed = errors.New("session engine still closing")

// firedEvents are user callbacks collected under the mutex and invoked only
// after it is released.
type firedEvents []func()

func (f firedEvents) run() {
	for _, fn := range f {
		fn()
	}
}

// handleMessage reacts to one inbound signaling frame. Delivery order
// follows the channel's single read loop.
func (c *Connection) handleMessage(gen uint64, msg *signaling.Message, decodeErr error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	var fire firedEvents
	if decodeErr != nil {
		fire = c.failLocked(ReasonSignalingProtocolError, decodeErr)
	} else {
		fire = c.dispatchLocked(msg)
	}
	c.mu.Unlock()
	fire.run()
}

func (c *Connection) dispatchLocked(msg *signaling.Message) firedEvents {
	switch msg.Type {
	case signaling.MsgTypePing:
		c.sendLocked(&signaling.Message{Type: signaling.MsgTypePong})
		return nil

	case signaling.MsgTypeAccept:
		return c.handleAcceptLocked(msg)

	case signaling.MsgTypeReject:
		reason := msg.Reason
		if reason == "" {
			reason = "rejected"
		}
		return c.failLocked(ReasonRejected,
			fmt.Errorf("registration rejected by signaling server: %s", reason))

	case signaling.MsgTypeOffer:
		return c.handleOfferLocked(msg)

	case signaling.MsgTypeAnswer:
		return c.handleAnswerLocked(msg)

	case signaling.MsgTypeCandidate:
		c.handleCandidateLocked(msg)
		return nil

	case signaling.MsgTypeClose:
		return c.failLocked(ReasonConnectionClosed,
			errors.New("close received from signaling server"))

	default:
		return c.failLocked(ReasonSignalingProtocolError,
			fmt.Errorf("unexpected message type %q", msg.Type))
	}
}

// handleAcceptLocked drives the accepting flow: create the session engine,
// open the default data channel, send exactly one offer, then fire the
// connect event and resolve the pending Connect call.
func (c *Connection) handleAcceptLocked(msg *signaling.Message) firedEvents {
	if c.state != StateRegistering {
		return c.failLocked(ReasonSignalingProtocolError,
			fmt.Errorf("accept received in state %s", c.state))
	}
	c.state = StateNegotiating
	c.authzMetadata = msg.AuthzMetadata
	if len(msg.ICEServers) > 0 {
		c.iceServers = toICEServers(msg.ICEServers)
	}

	if fire := c.createEngineLocked(); fire != nil {
		return fire
	}

	if _, err := c.openChannelLocked(c.opts.DataChannelLabel, nil); err != nil {
		return c.failLocked(ReasonOfferCreationError,
			fmt.Errorf("failed to open default data channel: %w", err))
	}

	// The negotiation flag guards against overlapping offer cycles; it is
	// cleared when the engine reports connected.
	if !c.isNegotiating {
		c.isNegotiating = true
		offer, err := c.sess.CreateOffer()
		if err != nil {
			return c.failLocked(ReasonOfferCreationError, err)
		}
		c.sendLocked(&signaling.Message{Type: signaling.MsgTypeOffer, SDP: offer.SDP})
	}

	if c.connectResult != nil {
		c.connectResult <- nil
		c.connectResult = nil
	}

	if c.onConnect == nil {
		return nil
	}
	fn := c.onConnect
	authz := msg.AuthzMetadata
	exist := msg.IsExistClient
	return firedEvents{func() { fn(authz, exist) }}
}

// handleOfferLocked reacts to the remote party offering: rebuild the session
// engine, apply the remote description, and answer.
func (c *Connection) handleOfferLocked(msg *signaling.Message) firedEvents {
	if c.state != StateNegotiating && c.state != StateConnected {
		return c.failLocked(ReasonSignalingProtocolError,
			fmt.Errorf("offer received in state %s", c.state))
	}

	// A remote offer supersedes whatever this side was negotiating. When
	// both parties offered (each on its own accept), applying the remote
	// offer to an engine holding a pending local offer is an invalid
	// signaling transition, so the engine is discarded and rebuilt; its
	// data channels come back through the remote offer.
	if c.sess != nil {
		c.reg.clear(func(label string, cerr error) {
			util.LogWarning("failed to close data channel %q: %v", label, cerr)
		})
		if cerr := c.sess.Close(); cerr != nil {
			util.LogWarning("failed to close superseded session engine: %v", cerr)
		}
		c.sess = nil
	}
	if fire := c.createEngineLocked(); fire != nil {
		return fire
	}
	c.isNegotiating = true

	remote := engine.Description{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := c.sess.SetRemoteDescription(remote); err != nil {
		return c.failLocked(ReasonRemoteOfferError, err)
	}

	answer, err := c.sess.CreateAnswer()
	if err != nil {
		return c.failLocked(ReasonAnswerCreationError, err)
	}
	c.sendLocked(&signaling.Message{Type: signaling.MsgTypeAnswer, SDP: answer.SDP})
	return nil
}

func (c *Connection) handleAnswerLocked(msg *signaling.Message) firedEvents {
	if c.sess == nil {
		return c.failLocked(ReasonSignalingProtocolError,
			errors.New("answer received without a session engine"))
	}
	remote := engine.Description{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := c.sess.SetRemoteDescription(remote); err != nil {
		return c.failLocked(ReasonRemoteAnswerError, err)
	}
	return nil
}

// handleCandidateLocked applies a remote candidate. Failures are never
// fatal: the session may still succeed via other candidates.
func (c *Connection) handleCandidateLocked(msg *signaling.Message) {
	if c.sess == nil || msg.ICE == nil {
		util.LogWarning("discarding candidate message (engine=%v, ice=%v)",
			c.sess != nil, msg.ICE != nil)
		return
	}
	if err := c.sess.AddCandidate(*msg.ICE); err != nil {
		util.LogWarning("failed to apply remote candidate: %v", err)
	}
}

// handleChannelClose reacts to the signaling channel's read loop exiting.
// A close caused by our own teardown is filtered out by the generation
// check: teardown bumps gen before closing the channel.
func (c *Connection) handleChannelClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	fire := c.failLocked(ReasonConnectionClosed, errors.New("signaling channel closed"))
	c.mu.Unlock()
	fire.run()
}

// createEngineLocked instantiates the session engine with callbacks bound to
// a fresh engine generation, so events from any previously built engine are
// discarded. Server-issued ICE servers, when present, override the
// configured ones.
func (c *Connection) createEngineLocked() firedEvents {
	c.engineGen++
	egen := c.engineGen
	cfg := engine.Config{
		ICEServers: c.opts.ICEServers,
		Audio:      c.opts.Audio,
		Video:      c.opts.Video,
		Media:      c.media,
	}
	if len(c.iceServers) > 0 {
		cfg.ICEServers = c.iceServers
	}

	events := engine.Events{
		OnLocalCandidate: func(cand engine.Candidate) { c.handleLocalCandidate(egen, cand) },
		OnTrack:          func(track *webrtc.TrackRemote) { c.handleTrack(egen, track) },
		OnDataChannel:    func(dc engine.DataChannel) { c.handleInboundChannel(egen, dc) },
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			c.handleEngineState(egen, state)
		},
		OnSignalingStateChange: func(state webrtc.SignalingState) {
			util.LogDebug("engine signaling state: %s", state)
		},
	}

	sess, err := c.opts.EngineFactory(cfg, events)
	if err != nil {
		return c.failLocked(ReasonTransportFailed,
			fmt.Errorf("failed to create session engine: %w", err))
	}
	c.sess = sess
	return nil
}

// handleLocalCandidate forwards a locally discovered candidate to the
// signaling server.
func (c *Connection) handleLocalCandidate(egen uint64, cand engine.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if egen != c.engineGen {
		return
	}
	c.sendLocked(&signaling.Message{Type: signaling.MsgTypeCandidate, ICE: &cand})
}

func (c *Connection) handleTrack(egen uint64, track *webrtc.TrackRemote) {
	c.mu.Lock()
	if egen != c.engineGen {
		c.mu.Unlock()
		return
	}
	c.remoteStreams[track.StreamID()] = struct{}{}
	fn := c.onAddStream
	c.mu.Unlock()

	if fn != nil {
		fn(track)
	}
}

// handleEngineState reacts to engine connection-state changes: connected
// clears the negotiation flag, failed is terminal.
func (c *Connection) handleEngineState(egen uint64, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	if egen != c.engineGen {
		c.mu.Unlock()
		return
	}
	util.LogDebug("engine connection state: %s", state)

	var fire firedEvents
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.isNegotiating = false
		if c.state == StateNegotiating {
			c.state = StateConnected
		}
	case webrtc.PeerConnectionStateFailed:
		fire = c.failLocked(ReasonTransportFailed,
			errors.New("session engine reported failed state"))
	}
	c.mu.Unlock()
	fire.run()
}

// handleInboundChannel accepts a data channel created by the remote party.
// An unseen label is registered; a stale entry with the same label is
// replaced by the new handle.
func (c *Connection) handleInboundChannel(egen uint64, dc engine.DataChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if egen != c.engineGen {
		return
	}
	c.registerChannelLocked(dc)
}

// openChannelLocked creates an outbound data channel and registers it.
func (c *Connection) openChannelLocked(label string, opts *engine.DataChannelOptions) (engine.DataChannel, error) {
	if c.sess == nil {
		return nil, ErrEngineNotReady
	}
	if _, ok := c.reg.get(label); ok {
		return nil, ErrChannelExists
	}
	dc, err := c.sess.CreateDataChannel(label, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %q: %w", label, err)
	}
	c.registerChannelLocked(dc)
	return dc, nil
}

// registerChannelLocked puts the handle into the registry and wires its
// lifecycle callbacks. Every callback verifies both the generation and the
// handle identity, so events from replaced channels are discarded.
func (c *Connection) registerChannelLocked(dc engine.DataChannel) {
	gen := c.gen
	label := dc.Label()
	c.reg.put(&dataChannelEntry{label: label, handle: dc})

	dc.OnOpen(func() { c.markChannelOpen(gen, label, dc) })
	dc.OnClose(func() { c.dropChannel(gen, label, dc, nil) })
	dc.OnError(func(err error) { c.dropChannel(gen, label, dc, err) })
	dc.OnMessage(func(payload []byte) { c.deliverData(gen, label, dc, payload) })
}

func (c *Connection) markChannelOpen(gen uint64, label string, dc engine.DataChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if entry, ok := c.reg.get(label); ok && entry.handle == dc {
		entry.state = channelOpen
		util.LogDebug("data channel %q open", label)
	}
}

func (c *Connection) dropChannel(gen uint64, label string, dc engine.DataChannel, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if err != nil {
		util.LogWarning("data channel %q error: %v", label, err)
	}
	c.reg.remove(label, dc)
}

func (c *Connection) deliverData(gen uint64, label string, dc engine.DataChannel, payload []byte) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	entry, ok := c.reg.get(label)
	if !ok || entry.handle != dc {
		c.mu.Unlock()
		return
	}
	fn := c.onData
	c.mu.Unlock()

	util.Stats.AddRecv(len(payload))
	if fn != nil {
		fn(label, payload)
	}
}

// sendLocked writes a message to the signaling channel, downgrading
// failures to warnings: the channel's read loop will surface a dead
// connection soon enough.
func (c *Connection) sendLocked(msg *signaling.Message) {
	if c.channel == nil {
		return
	}
	if err := c.channel.Send(msg); err != nil {
		util.LogWarning("failed to send %s message: %v", msg.Type, err)
	}
}

// failLocked logs the failure and tears the connection down.
func (c *Connection) failLocked(reason DisconnectReason, err error) firedEvents {
	util.LogWarning("disconnecting (%s): %v", reason, err)
	return c.teardownLocked(reason, err)
}

// resetConnectLocked rolls back a Connect attempt that never opened a
// channel. No teardown and no disconnect event: nothing was established.
func (c *Connection) resetConnectLocked(gen uint64) {
	if c.gen != gen {
		return
	}
	c.state = StateIdle
	c.media = nil
	c.connectResult = nil
}

// teardownLocked returns the Connection to the pre-connect state. Every
// sub-step is best-effort: failures are logged as warnings so the cleanup
// always completes. Calling it while already idle is a no-op.
func (c *Connection) teardownLocked(reason DisconnectReason, err error) firedEvents {
	if c.state == StateIdle && c.channel == nil && c.sess == nil {
		return nil
	}
	c.state = StateClosing
	c.gen++ // invalidate outstanding channel callbacks
	c.engineGen++

	c.reg.clear(func(label string, cerr error) {
		util.LogWarning("failed to close data channel %q: %v", label, cerr)
	})

	if c.sess != nil {
		if cerr := c.sess.Close(); cerr != nil {
			util.LogWarning("failed to close session engine: %v", cerr)
		} else if cerr := c.awaitEngineClosed(c.sess); cerr != nil {
			util.LogWarning("session engine did not confirm close: %v", cerr)
		}
		c.sess = nil
	}

	if c.channel != nil {
		if cerr := c.channel.Close(); cerr != nil {
			util.LogWarning("failed to close signaling channel: %v", cerr)
		}
		c.channel = nil
	}

	if c.media != nil {
		if cerr := c.media.Release(); cerr != nil {
			util.LogWarning("failed to release local media: %v", cerr)
		}
		c.media = nil
	}

	c.authzMetadata = nil
	c.iceServers = nil
	c.isNegotiating = false

	var fire firedEvents
	if fn := c.onRemoveStream; fn != nil {
		for id := range c.remoteStreams {
			streamID := id
			fire = append(fire, func() { fn(streamID) })
		}
	}
	c.remoteStreams = make(map[string]struct{})

	if c.connectResult != nil {
		c.connectResult <- &DisconnectError{Reason: reason, Err: err}
		c.connectResult = nil
	}

	if fn := c.onDisconnect; fn != nil {
		fire = append(fire, func() { fn(reason, err) })
	}

	c.state = StateIdle
	return fire
}

// awaitEngineClosed polls the engine state at a fixed interval until it
// confirms closed or the configured timeout worth of retries is exhausted.
func (c *Connection) awaitEngineClosed(sess engine.Engine) error {
	retries := uint64(c.opts.CloseTimeout / closePollInterval)
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(closePollInterval), retries)
	return backoff.Retry(func() error {
		if sess.State() == webrtc.PeerConnectionStateClosed {
			return nil
		}
		return errEngineNotClosed
	}, policy)
}

// toICEServers converts server-issued ICE server descriptions to the engine
// configuration type.
func toICEServers(servers []signaling.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
