package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deskhub/realtime/internal/chat"
	"deskhub/realtime/internal/domain"

	"github.com/gin-gonic/gin"
)

func testServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth, err := ParseStaticTokens("tok-alice:alice:Alice,tok-bob:bob:Bob")
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	hub := NewHub(AllowAll{}, time.Minute, quietLog())
	registry := chat.NewRegistry(10*time.Minute, 3*time.Minute, quietLog())

	router := gin.New()
	NewServer(hub, registry, auth, quietLog()).Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCallEndpoints_RequireToken(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/calls/s1/answer", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/calls/s1/answer", "bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", resp.StatusCode)
	}
}

func TestAnswerEndpoint_UnknownSessionIs404(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/calls/nope/answer", "tok-alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint_ReflectsHubRoster(t *testing.T) {
	srv, hub := testServer(t)
	sinkA, sinkB := &fakeSink{}, &fakeSink{}
	hub.Register("alice", sinkA)
	hub.Register("bob", sinkB)
	initiate(hub, "s1", "bob")

	resp := doJSON(t, http.MethodPost, srv.URL+"/calls/s1/answer", "tok-bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/calls/s1/status", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Participants []domain.Participant `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Participants) != 2 {
		t.Errorf("expected 2 joined participants, got %d", len(out.Participants))
	}
}

func TestStatusEndpoint_OutsiderForbidden(t *testing.T) {
	srv, hub := testServer(t)
	hub.Register("alice", &fakeSink{})
	initiate(hub, "s1", "carol")

	resp := doJSON(t, http.MethodGet, srv.URL+"/calls/s1/status", "tok-bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestChatEndpoints_StartSuspendResume(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat/start-session", "", domain.StartSessionRequest{
		Guest:          domain.GuestIdentity{Name: "Jane Doe", Email: "jane@example.com"},
		InitialMessage: "my printer is broken",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}
	var started domain.StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.SessionID == "" || started.QueuePosition != 1 {
		t.Errorf("unexpected start response %+v", started)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/chat/return-to-queue", "",
		map[string]string{"sessionId": started.SessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/chat/start-session", "", domain.StartSessionRequest{
		RecoverSessionID: started.SessionID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", resp.StatusCode)
	}
	var resumed domain.StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&resumed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resumed.Resumed || resumed.SessionID != started.SessionID {
		t.Errorf("unexpected resume response %+v", resumed)
	}
}

func TestChatMessage_AppendsAndShowsInTranscript(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat/start-session", "", domain.StartSessionRequest{
		Guest:          domain.GuestIdentity{Name: "Jane Doe", Email: "jane@example.com"},
		InitialMessage: "my printer is broken",
	})
	var started domain.StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/chat/message", "", map[string]any{
		"sessionId": started.SessionID,
		"author":    "Agent Smith",
		"body":      "have you tried turning it off and on",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/chat/transcript?sessionId="+started.SessionID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript: expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		SessionID   string           `json:"sessionId"`
		Messages    []domain.Message `json:"messages"`
		UnreadCount int              `json:"unreadCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out.Messages))
	}
	if out.Messages[1].Author != "Agent Smith" || out.Messages[1].FromGuest {
		t.Errorf("unexpected appended message %+v", out.Messages[1])
	}
	if out.UnreadCount != 1 {
		t.Errorf("staff message must bump the unread badge, got %d", out.UnreadCount)
	}
}

func TestChatMessage_UnknownSessionIs404(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat/message", "", map[string]any{
		"sessionId": "gone",
		"body":      "hello?",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/chat/transcript?sessionId=gone", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("transcript: expected 404, got %d", resp.StatusCode)
	}
}

func TestChatResume_ReapedSessionIs404(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/chat/start-session", "", domain.StartSessionRequest{
		RecoverSessionID: "long-gone",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for reaped session, got %d", resp.StatusCode)
	}
}

func TestParseStaticTokens_Malformed(t *testing.T) {
	if _, err := ParseStaticTokens("justatoken"); err == nil {
		t.Error("expected an error for a malformed entry")
	}
	auth, err := ParseStaticTokens("")
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if _, err := auth.Authenticate("anything"); err == nil {
		t.Error("empty table must reject every token")
	}
}
