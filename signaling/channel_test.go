package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

type channelEvent struct {
	msg *Message
	err error
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func recvEvent(t *testing.T, events <-chan channelEvent) channelEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return channelEvent{}
	}
}

func TestChannelDeliversInOrder(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"type":"accept","isExistClient":true}`,
			`not valid json`,
			`{"type":"offer","sdp":"v=0"}`,
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer s.Close()

	events := make(chan channelEvent, 8)
	closed := make(chan struct{})
	ch, err := Dial(context.Background(), wsURL(s), Handlers{
		OnMessage: func(msg *Message, err error) {
			events <- channelEvent{msg: msg, err: err}
		},
		OnClose: func() { close(closed) },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	first := recvEvent(t, events)
	if first.err != nil || first.msg == nil || first.msg.Type != MsgTypeAccept || !first.msg.IsExistClient {
		t.Fatalf("first event = %+v, %v; want accept", first.msg, first.err)
	}

	second := recvEvent(t, events)
	if second.err == nil || second.msg != nil {
		t.Fatalf("second event = %+v, %v; want decode error", second.msg, second.err)
	}

	third := recvEvent(t, events)
	if third.err != nil || third.msg == nil || third.msg.Type != MsgTypeOffer || third.msg.SDP != "v=0" {
		t.Fatalf("third event = %+v, %v; want offer", third.msg, third.err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose did not fire after server close")
	}
}

func TestChannelSend(t *testing.T) {
	received := make(chan *Message, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- &msg
	}))
	defer s.Close()

	ch, err := Dial(context.Background(), wsURL(s), Handlers{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(&Message{Type: MsgTypeRegister, RoomID: "room-1", ClientID: "client-a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != MsgTypeRegister || msg.RoomID != "room-1" || msg.ClientID != "client-a" {
			t.Errorf("server received %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the register message")
	}
}

func TestChannelCloseFiresOnClose(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer s.Close()

	closed := make(chan struct{})
	ch, err := Dial(context.Background(), wsURL(s), Handlers{
		OnClose: func() { close(closed) },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose did not fire after local Close")
	}
}
