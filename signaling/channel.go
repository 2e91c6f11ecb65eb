package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is an open conduit to the signaling server. Sends are safe to call
// from any goroutine; message delivery runs on a single read loop, so
// handlers observe messages in arrival order.
type Channel interface {
	Send(msg *Message) error
	Close() error
}

// Handlers carry the callbacks wired into a Channel at dial time. OnMessage
// receives every inbound frame: either a decoded message, or a nil message
// with the decode error. OnClose fires exactly once, when the read loop
// exits for any reason (remote close, network error, or local Close).
type Handlers struct {
	OnMessage func(msg *Message, err error)
	OnClose   func()
}

// DialFunc opens a Channel to the given URL. The production implementation
// is Dial; tests substitute an in-process fake.
type DialFunc func(ctx context.Context, url string, handlers Handlers) (Channel, error)

// wsChannel is the gorilla/websocket-backed Channel.
type wsChannel struct {
	conn     *websocket.Conn
	handlers Handlers

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the signaling server and starts the read loop. Handlers
// may fire as soon as Dial returns.
func Dial(ctx context.Context, url string, handlers Handlers) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	ch := &wsChannel{conn: conn, handlers: handlers}
	go ch.readLoop()
	return ch, nil
}

// Send writes a signaling message to the WebSocket, guarded by a mutex.
func (ch *wsChannel) Send(msg *Message) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// Close shuts down the WebSocket. The read loop exits shortly after, firing
// OnClose.
func (ch *wsChannel) Close() error {
	ch.writeMu.Lock()
	// Best-effort close frame so well-behaved servers drop the room slot
	// immediately instead of waiting for a read timeout.
	_ = ch.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ch.writeMu.Unlock()
	return ch.conn.Close()
}

// readLoop delivers inbound frames one at a time until the connection dies.
func (ch *wsChannel) readLoop() {
	defer ch.closeOnce.Do(func() {
		if ch.handlers.OnClose != nil {
			ch.handlers.OnClose()
		}
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}
		if ch.handlers.OnMessage == nil {
			continue
		}
		msg, err := Decode(data)
		ch.handlers.OnMessage(msg, err)
	}
}
