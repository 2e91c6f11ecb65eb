package peerlink

import (
	"errors"
	"fmt"
)

// Usage errors, returned synchronously to the caller. None of them changes
// connection state.
var (
	ErrAlreadyConnected = errors.New("connect already in progress or established")
	ErrEngineNotReady   = errors.New("no session engine: connect first")
	ErrChannelExists    = errors.New("data channel label already registered")
	ErrChannelNotOpen   = errors.New("data channel is not open")
)

// DisconnectReason tags the origin of a teardown.
type DisconnectReason string

const (
	// ReasonLocalClosed: the application called Disconnect.
	ReasonLocalClosed DisconnectReason = "local-closed"
	// ReasonRejected: the signaling server rejected the registration.
	ReasonRejected DisconnectReason = "rejected"
	// ReasonConnectionClosed: the signaling server sent close, or the
	// signaling channel dropped.
	ReasonConnectionClosed DisconnectReason = "connection-closed"
	// ReasonSignalingProtocolError: a malformed or state-inconsistent
	// signaling message arrived.
	ReasonSignalingProtocolError DisconnectReason = "signaling-protocol-error"
	// ReasonOfferCreationError: producing or sending the local offer failed.
	ReasonOfferCreationError DisconnectReason = "offer-creation-error"
	// ReasonAnswerCreationError: producing the local answer failed.
	ReasonAnswerCreationError DisconnectReason = "answer-creation-error"
	// ReasonRemoteOfferError: applying the remote offer failed.
	ReasonRemoteOfferError DisconnectReason = "remote-offer-error"
	// ReasonRemoteAnswerError: applying the remote answer failed.
	ReasonRemoteAnswerError DisconnectReason = "remote-answer-error"
	// ReasonTransportFailed: the session engine reported a terminal state.
	ReasonTransportFailed DisconnectReason = "transport-failed"
)

// DisconnectError is the failure delivered to an in-flight Connect call when
// a teardown pre-empts it.
type DisconnectError struct {
	Reason DisconnectReason
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("disconnected: %s", e.Reason)
	}
	return fmt.Sprintf("disconnected: %s: %v", e.Reason, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }
