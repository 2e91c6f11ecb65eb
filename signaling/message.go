// Package signaling implements the message-oriented conduit to the relay
// signaling server: the JSON message vocabulary and a WebSocket-backed
// Channel that delivers server messages in arrival order.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeRegister  MessageType = "register"
	MsgTypeAccept    MessageType = "accept"
	MsgTypeReject    MessageType = "reject"
	MsgTypePing      MessageType = "ping"
	MsgTypePong      MessageType = "pong"
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
	MsgTypeClose     MessageType = "close"
)

// ICEServer describes a STUN/TURN server issued by the signaling server in
// an accept message.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Message is the JSON structure exchanged with the signaling server. Type is
// mandatory; the remaining fields are kind-specific and omitted when unused.
type Message struct {
	Type MessageType `json:"type"`

	// register
	RoomID        string          `json:"roomId,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	AuthnMetadata json.RawMessage `json:"authnMetadata,omitempty"`

	// accept
	AuthzMetadata json.RawMessage `json:"authzMetadata,omitempty"`
	IsExistClient bool            `json:"isExistClient,omitempty"`
	ICEServers    []ICEServer     `json:"iceServers,omitempty"`

	// reject, close
	Reason string `json:"reason,omitempty"`

	// offer, answer
	SDP string `json:"sdp,omitempty"`

	// candidate
	ICE *webrtc.ICECandidateInit `json:"ice,omitempty"`
}

// Decode parses a raw signaling message. A message without a type field is
// rejected: every server message must carry its kind.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode signaling message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("signaling message missing type field: %s", data)
	}
	return &msg, nil
}
