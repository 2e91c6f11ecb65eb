package peerlink

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ayatori/peerlink/engine"
	"github.com/ayatori/peerlink/internal/util"
	"github.com/ayatori/peerlink/signaling"
)

const (
	// defaultDataChannelLabel names the channel opened automatically once
	// the registration is accepted.
	defaultDataChannelLabel = "data"

	// defaultCloseTimeout bounds the wait for the session engine to confirm
	// its closed state during teardown.
	defaultCloseTimeout = 3 * time.Second
)

// Options configure one Connection. The zero value of every field has a
// sensible default; nil Options are valid.
type Options struct {
	// ClientID identifies this client within the room. A random UUID is
	// generated when empty.
	ClientID string

	// AuthnMetadata is opaque authentication payload forwarded to the
	// signaling server in the register message.
	AuthnMetadata json.RawMessage

	// Audio and Video set the media directions negotiated with the remote
	// peer. Default sendrecv.
	Audio engine.Direction
	Video engine.Direction

	// ICEServers override the engine's default STUN servers. Servers issued
	// by the signaling server in the accept message take precedence over
	// both.
	ICEServers []webrtc.ICEServer

	// DataChannelLabel names the data channel opened on accept.
	// Default "data".
	DataChannelLabel string

	// CloseTimeout bounds the engine-close confirmation poll during
	// teardown. Default 3s.
	CloseTimeout time.Duration

	// Debug enables debug logging.
	Debug bool

	// EngineFactory builds the session engine. Default: the pion backend.
	EngineFactory engine.Factory

	// Dial opens the signaling channel. Default: the WebSocket dialer.
	Dial signaling.DialFunc
}

// DefaultOptions returns a fully populated Options with all defaults applied.
func DefaultOptions() *Options {
	return normalizeOptions(nil)
}

// normalizeOptions copies opts and fills every unset field.
func normalizeOptions(opts *Options) *Options {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Audio == "" {
		o.Audio = engine.DirectionSendRecv
	}
	if o.Video == "" {
		o.Video = engine.DirectionSendRecv
	}
	if o.DataChannelLabel == "" {
		o.DataChannelLabel = defaultDataChannelLabel
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.EngineFactory == nil {
		o.EngineFactory = func(cfg engine.Config, events engine.Events) (engine.Engine, error) {
			return engine.NewPion(cfg, events)
		}
	}
	if o.Dial == nil {
		o.Dial = signaling.Dial
	}
	if o.Debug {
		util.EnableDebug()
	}
	return &o
}
