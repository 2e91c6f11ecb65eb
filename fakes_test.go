package peerlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ayatori/peerlink/engine"
	"github.com/ayatori/peerlink/signaling"
)

// fakeChannel is an in-process signaling.Channel that records every sent
// message and lets tests inject inbound frames through the dialed handlers.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []*signaling.Message
	handlers signaling.Handlers
	closed   bool
	sendErr  error
}

func (f *fakeChannel) dialFunc() signaling.DialFunc {
	return func(ctx context.Context, url string, handlers signaling.Handlers) (signaling.Channel, error) {
		f.mu.Lock()
		f.handlers = handlers
		f.mu.Unlock()
		return f, nil
	}
}

func (f *fakeChannel) Send(msg *signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// deliver injects an inbound message, running the handler synchronously on
// the caller's goroutine like the real read loop would.
func (f *fakeChannel) deliver(msg *signaling.Message) {
	f.mu.Lock()
	fn := f.handlers.OnMessage
	f.mu.Unlock()
	fn(msg, nil)
}

func (f *fakeChannel) deliverError(err error) {
	f.mu.Lock()
	fn := f.handlers.OnMessage
	f.mu.Unlock()
	fn(nil, err)
}

// dropConnection simulates the read loop dying.
func (f *fakeChannel) dropConnection() {
	f.mu.Lock()
	fn := f.handlers.OnClose
	f.mu.Unlock()
	fn()
}

func (f *fakeChannel) countType(t signaling.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.sent {
		if msg.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeChannel) lastOfType(t signaling.MessageType) *signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == t {
			return f.sent[i]
		}
	}
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeEngine is a scripted engine.Engine: descriptions come from canned
// SDP, and tests drive state changes through the captured Events.
type fakeEngine struct {
	mu        sync.Mutex
	created   bool
	creations int
	cfg       engine.Config
	events    engine.Events
	state     webrtc.PeerConnectionState

	offers      int
	answers     int
	remoteDescs []engine.Description
	candidates  []engine.Candidate
	channels    map[string]*fakeDataChannel
	closed      bool

	factoryErr   error
	offerErr     error
	answerErr    error
	remoteErr    error
	candidateErr error
	channelErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state:    webrtc.PeerConnectionStateNew,
		channels: make(map[string]*fakeDataChannel),
	}
}

func (e *fakeEngine) factory() engine.Factory {
	return func(cfg engine.Config, events engine.Events) (engine.Engine, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.factoryErr != nil {
			return nil, e.factoryErr
		}
		e.created = true
		e.creations++
		e.cfg = cfg
		e.events = events
		e.closed = false
		e.state = webrtc.PeerConnectionStateNew
		return e, nil
	}
}

func (e *fakeEngine) CreateOffer() (*engine.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offerErr != nil {
		return nil, e.offerErr
	}
	e.offers++
	return &engine.Description{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (e *fakeEngine) CreateAnswer() (*engine.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.answerErr != nil {
		return nil, e.answerErr
	}
	e.answers++
	return &engine.Description{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (e *fakeEngine) SetRemoteDescription(desc engine.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.remoteDescs = append(e.remoteDescs, desc)
	return nil
}

func (e *fakeEngine) AddCandidate(cand engine.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.candidateErr != nil {
		return e.candidateErr
	}
	e.candidates = append(e.candidates, cand)
	return nil
}

func (e *fakeEngine) CreateDataChannel(label string, opts *engine.DataChannelOptions) (engine.DataChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channelErr != nil {
		return nil, e.channelErr
	}
	dc := &fakeDataChannel{label: label}
	e.channels[label] = dc
	return dc, nil
}

func (e *fakeEngine) State() webrtc.PeerConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.state = webrtc.PeerConnectionStateClosed
	return nil
}

func (e *fakeEngine) channel(label string) *fakeDataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[label]
}

func (e *fakeEngine) wasCreated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created
}

func (e *fakeEngine) creationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creations
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEngine) fireConnectionState(state webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.state = state
	fn := e.events.OnConnectionStateChange
	e.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (e *fakeEngine) fireLocalCandidate(cand engine.Candidate) {
	e.mu.Lock()
	fn := e.events.OnLocalCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (e *fakeEngine) fireInboundChannel(dc engine.DataChannel) {
	e.mu.Lock()
	fn := e.events.OnDataChannel
	e.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

// fakeDataChannel is a scripted engine.DataChannel handle.
type fakeDataChannel struct {
	label string

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	sendErr   error
	onOpen    func()
	onClose   func()
	onError   func(err error)
	onMessage func(payload []byte)
}

func (f *fakeDataChannel) Label() string { return f.label }

func (f *fakeDataChannel) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeDataChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDataChannel) OnOpen(fn func())           { f.mu.Lock(); f.onOpen = fn; f.mu.Unlock() }
func (f *fakeDataChannel) OnClose(fn func())          { f.mu.Lock(); f.onClose = fn; f.mu.Unlock() }
func (f *fakeDataChannel) OnError(fn func(err error)) { f.mu.Lock(); f.onError = fn; f.mu.Unlock() }
func (f *fakeDataChannel) OnMessage(fn func(payload []byte)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeDataChannel) fireOpen() {
	f.mu.Lock()
	fn := f.onOpen
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeDataChannel) fireClose() {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeDataChannel) fireMessage(payload []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (f *fakeDataChannel) sentPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// newTestConnection wires a Connection to the given fakes with a short close
// timeout.
func newTestConnection(fc *fakeChannel, fe *fakeEngine, opts *Options) *Connection {
	if opts == nil {
		opts = &Options{}
	}
	if opts.ClientID == "" {
		opts.ClientID = "client-a"
	}
	opts.Dial = fc.dialFunc()
	opts.EngineFactory = fe.factory()
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = 200 * time.Millisecond
	}
	return New("wss://signaling.test/ws", "room-1", opts)
}

// connectAsync runs Connect on its own goroutine and returns the result
// channel.
func connectAsync(c *Connection) <-chan error {
	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background(), nil) }()
	return result
}

// acceptConnection drives a connection through register and accept, waiting
// for Connect to resolve.
func acceptConnection(t *testing.T, c *Connection, fc *fakeChannel, accept *signaling.Message) {
	t.Helper()
	want := fc.countType(signaling.MsgTypeRegister) + 1
	result := connectAsync(c)
	waitFor(t, "register message", func() bool {
		return fc.countType(signaling.MsgTypeRegister) == want
	})
	if accept == nil {
		accept = &signaling.Message{Type: signaling.MsgTypeAccept}
	}
	fc.deliver(accept)
	if err := recvResult(t, result); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func recvResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not resolve")
		return nil
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func asDisconnectError(t *testing.T, err error, want DisconnectReason) *DisconnectError {
	t.Helper()
	var de *DisconnectError
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a DisconnectError", err)
	}
	if de.Reason != want {
		t.Fatalf("disconnect reason = %s, want %s", de.Reason, want)
	}
	return de
}
