// Package engine abstracts the local real-time media/transport engine behind
// a narrow capability interface. The production backend wraps a pion
// PeerConnection; tests plug in a deterministic fake.
package engine

import (
	"github.com/pion/webrtc/v4"
)

// Description and Candidate alias the pion wire types: every signaling stack
// in the ecosystem speaks them directly.
type (
	Description = webrtc.SessionDescription
	Candidate   = webrtc.ICECandidateInit
)

// Direction controls whether a media kind is sent, received, or both.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionNone     Direction = "none"
)

// Media is a set of local tracks handed to the engine at construction.
// Release stops the underlying capture devices; it is called once during
// connection teardown.
type Media interface {
	Tracks() []webrtc.TrackLocal
	Release() error
}

// trackMedia is a Media over pre-built tracks with nothing to release.
type trackMedia struct {
	tracks []webrtc.TrackLocal
}

func (m *trackMedia) Tracks() []webrtc.TrackLocal { return m.tracks }
func (m *trackMedia) Release() error              { return nil }

// TrackMedia wraps pre-built local tracks as a Media with a no-op Release.
func TrackMedia(tracks ...webrtc.TrackLocal) Media {
	return &trackMedia{tracks: tracks}
}

// Config describes the engine to construct for one session attempt.
type Config struct {
	ICEServers []webrtc.ICEServer
	Audio      Direction
	Video      Direction
	Media      Media // optional local tracks; nil for data-only sessions
}

// DataChannelOptions mirror the subset of channel knobs the SDK exposes.
// Nil pointers fall back to the engine defaults (ordered, reliable).
type DataChannelOptions struct {
	Ordered        *bool
	MaxRetransmits *uint16
	Protocol       string
}

// DataChannel is a bidirectional channel handle. Callbacks must be
// registered before the channel opens; the engine guarantees they are not
// invoked concurrently with each other.
type DataChannel interface {
	Label() string
	Send(payload []byte) error
	Close() error

	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(err error))
	OnMessage(fn func(payload []byte))
}

// Events carry the engine→owner callbacks, fixed at construction so no
// event can fire before its handler exists. Any field may be nil.
type Events struct {
	OnLocalCandidate        func(candidate Candidate)
	OnTrack                 func(track *webrtc.TrackRemote)
	OnDataChannel           func(channel DataChannel)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
	OnSignalingStateChange  func(state webrtc.SignalingState)
}

// Engine is the capability contract the connection state machine requires
// from the media/transport engine. CreateOffer and CreateAnswer set the
// local description as a side effect and return it for forwarding over the
// signaling channel.
type Engine interface {
	CreateOffer() (*Description, error)
	CreateAnswer() (*Description, error)
	SetRemoteDescription(desc Description) error
	AddCandidate(candidate Candidate) error
	CreateDataChannel(label string, opts *DataChannelOptions) (DataChannel, error)
	State() webrtc.PeerConnectionState
	Close() error
}

// Factory constructs an Engine for one session attempt.
type Factory func(cfg Config, events Events) (Engine, error)
