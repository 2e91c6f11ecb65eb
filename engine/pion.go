package engine

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ Engine = (*Pion)(nil)

// Default STUN servers, used when neither the caller nor the signaling
// server supplies ICE servers.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Pion is the production Engine backed by a pion PeerConnection.
type Pion struct {
	pc *webrtc.PeerConnection
}

// NewPion creates a PeerConnection per cfg, wires the event callbacks, adds
// local tracks, and registers recv-only transceivers for media directions
// that have no local track to carry them.
func NewPion(cfg Config, events Events) (*Pion, error) {
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: defaultSTUNServers}}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnTrack != nil {
			events.OnTrack(track)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if events.OnDataChannel != nil {
			events.OnDataChannel(&pionDataChannel{raw: dc})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(state)
		}
	})

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if events.OnSignalingStateChange != nil {
			events.OnSignalingStateChange(state)
		}
	})

	if err := setupMedia(pc, cfg); err != nil {
		pc.Close()
		return nil, err
	}

	return &Pion{pc: pc}, nil
}

// setupMedia adds local tracks and per-direction transceivers.
func setupMedia(pc *webrtc.PeerConnection, cfg Config) error {
	if cfg.Media != nil {
		for _, track := range cfg.Media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				return fmt.Errorf("failed to add local track: %w", err)
			}
		}
	}

	kinds := []struct {
		kind      webrtc.RTPCodecType
		direction Direction
	}{
		{webrtc.RTPCodecTypeAudio, cfg.Audio},
		{webrtc.RTPCodecTypeVideo, cfg.Video},
	}
	for _, k := range kinds {
		// Send directions are realized by the tracks added above; a
		// transceiver is only needed to declare interest in receiving.
		if k.direction != DirectionRecvOnly {
			continue
		}
		_, err := pc.AddTransceiverFromKind(k.kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", k.kind, err)
		}
	}
	return nil
}

// CreateOffer builds an SDP offer and sets it as the local description.
// Candidates trickle through OnLocalCandidate as gathering proceeds.
func (e *Pion) CreateOffer() (*Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local offer: %w", err)
	}
	return &offer, nil
}

// CreateAnswer builds an SDP answer and sets it as the local description.
func (e *Pion) CreateAnswer() (*Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local answer: %w", err)
	}
	return &answer, nil
}

func (e *Pion) SetRemoteDescription(desc Description) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Pion) AddCandidate(candidate Candidate) error {
	if err := e.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// CreateDataChannel opens an outbound channel on the PeerConnection.
func (e *Pion) CreateDataChannel(label string, opts *DataChannelOptions) (DataChannel, error) {
	var init *webrtc.DataChannelInit
	if opts != nil {
		init = &webrtc.DataChannelInit{
			Ordered:        opts.Ordered,
			MaxRetransmits: opts.MaxRetransmits,
		}
		if opts.Protocol != "" {
			protocol := opts.Protocol
			init.Protocol = &protocol
		}
	}

	dc, err := e.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %q: %w", label, err)
	}
	return &pionDataChannel{raw: dc}, nil
}

func (e *Pion) State() webrtc.PeerConnectionState {
	return e.pc.ConnectionState()
}

func (e *Pion) Close() error {
	return e.pc.Close()
}

// pionDataChannel adapts *webrtc.DataChannel to the DataChannel interface.
type pionDataChannel struct {
	raw *webrtc.DataChannel
}

func (c *pionDataChannel) Label() string { return c.raw.Label() }

func (c *pionDataChannel) Send(payload []byte) error {
	return c.raw.Send(payload)
}

func (c *pionDataChannel) Close() error { return c.raw.Close() }

func (c *pionDataChannel) OnOpen(fn func())  { c.raw.OnOpen(fn) }
func (c *pionDataChannel) OnClose(fn func()) { c.raw.OnClose(fn) }

func (c *pionDataChannel) OnError(fn func(err error)) { c.raw.OnError(fn) }

func (c *pionDataChannel) OnMessage(fn func(payload []byte)) {
	c.raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
