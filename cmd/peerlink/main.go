// Peerlink — CLI client.
//
// Joins a room on a relay signaling server, negotiates a peer-to-peer
// session, and bridges stdin/stdout to the default data channel. Launch it
// with flags, or with none for interactive prompts.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/ayatori/peerlink"
	"github.com/ayatori/peerlink/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	url := pflag.String("url", "", "Signaling server URL (e.g. wss://example.com/signaling)")
	room := pflag.String("room", "", "Room ID to join")
	clientID := pflag.String("client-id", "", "Client ID (random when empty)")
	label := pflag.String("label", "data", "Data channel label")
	signalingKey := pflag.String("signaling-key", "", "Signaling key sent as authnMetadata")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink — v%s", version))
	pterm.Println()

	if *url == "" {
		*url = askText("Signaling server URL (e.g. wss://example.com/signaling)")
	}
	if *room == "" {
		*room = askText("Room ID")
	}

	opts := &peerlink.Options{
		ClientID:         *clientID,
		DataChannelLabel: *label,
		Debug:            *debugMode,
	}
	if *signalingKey != "" {
		authn, err := json.Marshal(map[string]string{"signalingKey": *signalingKey})
		if err != nil {
			util.LogError("failed to encode signaling key: %v", err)
			os.Exit(1)
		}
		opts.AuthnMetadata = authn
	}

	conn := peerlink.New(*url, *room, opts)

	done := make(chan struct{})
	var doneOnce sync.Once

	conn.OnConnect(func(authzMetadata json.RawMessage, isExistClient bool) {
		if isExistClient {
			util.LogInfo("joined room %q — peer already present", *room)
		} else {
			util.LogInfo("joined room %q — waiting for a peer", *room)
		}
	})
	conn.OnDisconnect(func(reason peerlink.DisconnectReason, err error) {
		util.LogInfo("disconnected (%s)", reason)
		doneOnce.Do(func() { close(done) })
	})
	conn.OnData(func(label string, payload []byte) {
		pterm.Println(fmt.Sprintf("[%s] %s", label, payload))
	})

	if err := conn.Connect(ctx, nil); err != nil {
		util.LogError("failed to connect: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	pterm.Success.Println("connected — type messages, Ctrl+C to quit")

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := conn.SendData(*label, []byte(line)); err != nil {
				util.LogWarning("failed to send: %v", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	conn.Disconnect()
	util.LogInfo("session closed")
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		value := strings.TrimSpace(raw)
		if value != "" {
			pterm.Println()
			return value
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}
