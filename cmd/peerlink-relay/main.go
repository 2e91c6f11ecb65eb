// Peerlink-relay — minimal signaling relay server.
//
// Pairs two peerlink clients per room and forwards their signaling
// messages. Intended for development and small deployments; put a
// TLS-terminating proxy in front for wss.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/ayatori/peerlink/internal/util"
	"github.com/ayatori/peerlink/relay"
)

var version = "dev"

func main() {
	addr := pflag.String("addr", ":3000", "Listen address")
	path := pflag.String("path", "/signaling", "WebSocket mount path")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink relay — v%s", version))

	mux := http.NewServeMux()
	mux.Handle(*path, relay.NewServer())

	util.LogInfo("listening on %s%s", *addr, *path)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		util.LogError("relay server failed: %v", err)
		os.Exit(1)
	}
}
