// Package relay implements a minimal signaling relay server: two clients
// register into a room, and offer/answer/candidate/close messages are
// forwarded between them. It is the server-side counterpart of the
// peerlink client and doubles as a test harness.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayatori/peerlink/internal/util"
	"github.com/ayatori/peerlink/signaling"
)

const (
	// defaultPingInterval is how often the relay pings each client.
	defaultPingInterval = 30 * time.Second

	// clientTimeout is the read deadline extended by every inbound message
	// (pong replies included).
	clientTimeout = 90 * time.Second

	// roomCapacity is the maximum number of clients per room.
	roomCapacity = 2
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay. It implements http.Handler; mount it on the path
// clients dial.
type Server struct {
	pingInterval time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id      string
	members []*member
}

type member struct {
	conn     *websocket.Conn
	clientID string
	roomID   string

	writeMu sync.Mutex
	done    chan struct{}
}

// NewServer creates a relay with the default ping interval.
func NewServer() *Server {
	return &Server{
		pingInterval: defaultPingInterval,
		rooms:        make(map[string]*room),
	}
}

// ServeHTTP upgrades the request and services the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.serveClient(conn)
}

// serveClient runs the per-connection read loop: a register message first,
// then forwarding until the connection dies.
func (s *Server) serveClient(conn *websocket.Conn) {
	m := &member{conn: conn, done: make(chan struct{})}
	defer conn.Close()
	defer close(m.done)

	conn.SetReadDeadline(time.Now().Add(clientTimeout))

	// First message must be a register.
	msg, err := readMessage(conn)
	if err != nil || msg.Type != signaling.MsgTypeRegister || msg.RoomID == "" {
		m.write(&signaling.Message{Type: signaling.MsgTypeReject, Reason: "invalid register"})
		return
	}
	m.clientID = msg.ClientID
	m.roomID = msg.RoomID

	existing, ok := s.join(m)
	if !ok {
		util.LogInfo("room %q full, rejecting client %q", m.roomID, m.clientID)
		m.write(&signaling.Message{Type: signaling.MsgTypeReject, Reason: "full"})
		return
	}
	defer s.leave(m)

	util.LogInfo("client %q joined room %q (peer present: %v)", m.clientID, m.roomID, existing)
	if err := m.write(&signaling.Message{
		Type:          signaling.MsgTypeAccept,
		IsExistClient: existing,
	}); err != nil {
		return
	}

	go s.pingLoop(m)

	for {
		msg, err := readMessage(conn)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(clientTimeout))

		switch msg.Type {
		case signaling.MsgTypePong:
			// Keep-alive only; the deadline extension above is the effect.

		case signaling.MsgTypeOffer, signaling.MsgTypeAnswer,
			signaling.MsgTypeCandidate, signaling.MsgTypeClose:
			s.forward(m, msg)
			if msg.Type == signaling.MsgTypeClose {
				return
			}

		default:
			util.LogWarning("client %q sent unexpected %s message, dropping",
				m.clientID, msg.Type)
		}
	}
}

// pingLoop sends protocol-level pings until the member leaves.
func (s *Server) pingLoop(m *member) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.write(&signaling.Message{Type: signaling.MsgTypePing}); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

// join adds the member to its room, creating the room on first join.
// Returns whether a peer was already present, and false when the room is
// at capacity.
func (s *Server) join(m *member) (existing bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[m.roomID]
	if rm == nil {
		rm = &room{id: m.roomID}
		s.rooms[m.roomID] = rm
	}
	if len(rm.members) >= roomCapacity {
		return false, false
	}
	existing = len(rm.members) > 0
	rm.members = append(rm.members, m)
	return existing, true
}

// leave removes the member, deletes empty rooms, and tells the remaining
// peer the session is over.
func (s *Server) leave(m *member) {
	s.mu.Lock()
	rm := s.rooms[m.roomID]
	var peer *member
	if rm != nil {
		kept := rm.members[:0]
		for _, other := range rm.members {
			if other == m {
				continue
			}
			kept = append(kept, other)
			peer = other
		}
		rm.members = kept
		if len(rm.members) == 0 {
			delete(s.rooms, m.roomID)
		}
	}
	s.mu.Unlock()

	util.LogInfo("client %q left room %q", m.clientID, m.roomID)
	if peer != nil {
		// Best-effort: the peer may be gone already.
		_ = peer.write(&signaling.Message{Type: signaling.MsgTypeClose})
	}
}

// forward relays msg to the other member of the sender's room, if any.
func (s *Server) forward(from *member, msg *signaling.Message) {
	s.mu.Lock()
	var peer *member
	if rm := s.rooms[from.roomID]; rm != nil {
		for _, other := range rm.members {
			if other != from {
				peer = other
			}
		}
	}
	s.mu.Unlock()

	if peer == nil {
		util.LogDebug("no peer in room %q for %s message, dropping", from.roomID, msg.Type)
		return
	}
	if err := peer.write(msg); err != nil {
		util.LogWarning("failed to forward %s message in room %q: %v",
			msg.Type, from.roomID, err)
	}
}

func (m *member) write(msg *signaling.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(msg)
}

func readMessage(conn *websocket.Conn) (*signaling.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return signaling.Decode(data)
}
