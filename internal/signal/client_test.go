package signal

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deskhub/realtime/internal/chat"
	"deskhub/realtime/internal/domain"
	"deskhub/realtime/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	auth, err := relay.ParseStaticTokens("tok-alice:alice:Alice,tok-bob:bob:Bob")
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	hub := relay.NewHub(relay.AllowAll{}, time.Minute, log)
	registry := chat.NewRegistry(10*time.Minute, 3*time.Minute, log)

	router := gin.New()
	relay.NewServer(hub, registry, auth, log).Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, wsURL, token string) *Client {
	t.Helper()
	c := NewClient(wsURL, token)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func recvType(t *testing.T, c *Client, evType string) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events channel closed while waiting for %s", evType)
			}
			if ev.Type == evType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", evType)
		}
	}
}

func TestConnect_RejectsBadToken(t *testing.T) {
	wsURL := startRelay(t)

	c := NewClient(wsURL, "bogus")
	if err := c.Connect(); err == nil {
		c.Close()
		t.Fatal("expected dial to fail with a bad token")
	}
}

func TestSignaling_EndToEnd(t *testing.T) {
	wsURL := startRelay(t)
	alice := connect(t, wsURL, "tok-alice")
	bob := connect(t, wsURL, "tok-bob")

	err := alice.Send(domain.Event{
		Type:      domain.EventCallInitiated,
		SessionID: "s1",
		CallType:  domain.CallTypeAudio,
		Initiator: &domain.Participant{UserID: "alice", DisplayName: "Alice"},
		Participants: []domain.Participant{
			{UserID: "bob"},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := recvType(t, alice, domain.EventCallInitiatedSuccess)
	if ack.SessionID != "s1" {
		t.Errorf("ack for wrong session: %s", ack.SessionID)
	}

	incoming := recvType(t, bob, domain.EventIncomingCall)
	if incoming.SessionID != "s1" || incoming.Initiator == nil || incoming.Initiator.UserID != "alice" {
		t.Errorf("unexpected incoming call %+v", incoming)
	}

	if err := bob.Send(domain.Event{Type: domain.EventCallAccept, SessionID: "s1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	join := recvType(t, alice, domain.EventCallAccept)
	if join.Participant == nil || join.Participant.UserID != "bob" {
		t.Errorf("accept broadcast must carry the joined participant, got %+v", join)
	}

	if err := alice.Send(domain.Event{
		Type:       domain.EventWebRTCOffer,
		SessionID:  "s1",
		TargetUser: "bob",
		Offer:      &domain.SDPPayload{Type: "offer", SDP: "v=0\r\n"},
	}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	offer := recvType(t, bob, domain.EventWebRTCOffer)
	if offer.From != "alice" || offer.Offer == nil {
		t.Errorf("unexpected relayed offer %+v", offer)
	}
}

func TestClose_UnblocksReadLoopWithFullBuffer(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Flood well past the client's event buffer.
		for i := 0; i < 200; i++ {
			if err := conn.WriteJSON(domain.Event{Type: domain.EventError, Message: "noise"}); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "tok")
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Nothing consumes events, so the buffer fills and the read loop
	// parks on delivery.
	time.Sleep(100 * time.Millisecond)
	c.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				// Read loop exited and closed the channel.
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after Close; read loop is stuck")
		}
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	wsURL := startRelay(t)
	c := connect(t, wsURL, "tok-alice")

	c.Close()
	if err := c.Send(domain.Event{Type: domain.EventCallEnd}); err == nil {
		t.Fatal("send after close must fail")
	}
}
