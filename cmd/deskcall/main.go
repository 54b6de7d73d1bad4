package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"deskhub/realtime/internal/api"
	"deskhub/realtime/internal/call"
	"deskhub/realtime/internal/config"
	"deskhub/realtime/internal/domain"
	sigclient "deskhub/realtime/internal/signal"
	"deskhub/realtime/internal/webrtc"
)

const helpText = `deskcall - headless staff call client for the deskhub relay

Connects to the signaling relay, answers or places calls, and negotiates
media directly with the other participants.

Environment Variables (required):
  DESK_RELAY_URL  WebSocket URL of the relay (e.g. ws://localhost:8087/ws)
  DESK_TOKEN      Staff bearer token
  DESK_USER_ID    Local user id

Environment Variables (optional):
  DESK_CALLEE     User id to call on startup (audio call)
  DESK_ICE_URLS   Comma-separated STUN/TURN URLs

Options:
  -h, --help  Show this help message
`

// consoleNotifier prints call lifecycle changes; a real UI renders the same
// notifications.
type consoleNotifier struct{}

func (consoleNotifier) CallStateChanged(s *domain.CallSession) {
	log.Printf("[ui] call %s -> %s", s.ID, s.State)
}

func (consoleNotifier) CallEnded(sessionID, reason string) {
	log.Printf("[ui] call %s ended (%s)", sessionID, reason)
}

func (consoleNotifier) PeerQualityChanged(sessionID, userID string, q domain.ConnectionQuality) {
	log.Printf("[ui] call %s: %s quality %s", sessionID, userID, q)
}

func (consoleNotifier) Inconsistency(sessionID string, err error) {
	log.Printf("[ui] call %s: inconsistency: %v", sessionID, err)
}

// allowAll defers permission enforcement to the relay.
type allowAll struct{}

func (allowAll) HasPermission(userID, permission string) bool { return true }

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	userID := os.Getenv("DESK_USER_ID")
	if userID == "" {
		log.Fatalf("[main] DESK_USER_ID environment variable is required")
	}
	self := domain.Participant{UserID: userID, Username: userID, DisplayName: userID}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	// Step 1: signaling connection
	sc := sigclient.NewClient(cfg.RelayURL, cfg.Token)
	if err := sc.Connect(); err != nil {
		log.Fatalf("[main] signal connect: %v", err)
	}

	// Step 2: HTTP action client against the same host
	apiClient := api.NewClient(httpBase(cfg.RelayURL), cfg.Token)

	// Step 3: media + peer factory
	capture := webrtc.NewCapture()
	var iceURLs []string
	if raw := os.Getenv("DESK_ICE_URLS"); raw != "" {
		iceURLs = strings.Split(raw, ",")
	}
	peers := webrtc.NewFactory(iceURLs, capture)

	// Step 4: call state machine
	machine := call.New(self, sc, apiClient, peers, capture, allowAll{}, consoleNotifier{},
		call.WithRingTimeout(cfg.RingTimeout))
	machine.Start()

	// Step 5: optionally place a call
	if callee := os.Getenv("DESK_CALLEE"); callee != "" {
		sessionID, err := machine.Initiate(ctx, domain.CallTypeAudio,
			[]domain.Participant{{UserID: callee}}, "", "")
		if err != nil {
			log.Fatalf("[main] initiate: %v", err)
		}
		log.Printf("[main] calling %s (session %s)", callee, sessionID)
	}

	<-ctx.Done()
	log.Printf("[main] shutting down")

	machine.Close()
	sc.Close()

	log.Printf("[main] done")
}

// httpBase turns the relay WebSocket URL into the HTTP base for call
// actions.
func httpBase(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/ws")
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.Replace(base, "ws://", "http://", 1)
}
