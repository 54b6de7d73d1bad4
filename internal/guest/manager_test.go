package guest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskhub/realtime/internal/domain"
)

// mockChatAPI records the requests the manager makes.
type mockChatAPI struct {
	mu       sync.Mutex
	startErr error
	requests []domain.StartSessionRequest
	returned []string
}

func (m *mockChatAPI) StartSession(ctx context.Context, req domain.StartSessionRequest) (*domain.StartSessionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	sessionID := req.RecoverSessionID
	resumed := sessionID != ""
	if sessionID == "" {
		sessionID = "sess-1"
	}
	return &domain.StartSessionResponse{
		SessionID:     sessionID,
		QueuePosition: 1,
		Resumed:       resumed,
	}, nil
}

func (m *mockChatAPI) ReturnToQueue(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returned = append(m.returned, sessionID)
	return nil
}

func (m *mockChatAPI) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// memStore is an in-memory SnapshotStore.
type memStore struct {
	mu   sync.Mutex
	snap *domain.Snapshot
}

func (s *memStore) Save(snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *snap
	s.snap = &copied
	return nil
}

func (s *memStore) Load() (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil
	}
	copied := *s.snap
	return &copied, nil
}

func (s *memStore) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

// mockGuestNotifier records widget notifications.
type mockGuestNotifier struct {
	mu        sync.Mutex
	restored  [][]domain.Message
	recovered []string
	expired   []string
}

func (n *mockGuestNotifier) TranscriptRestored(msgs []domain.Message, unread int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restored = append(n.restored, msgs)
}

func (n *mockGuestNotifier) SessionRecovered(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovered = append(n.recovered, sessionID)
}

func (n *mockGuestNotifier) SessionExpired(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, sessionID)
}

func jane() domain.GuestIdentity {
	return domain.GuestIdentity{Name: "Jane Doe", Email: "jane@example.com"}
}

func TestStart_PersistsInitialSnapshot(t *testing.T) {
	api := &mockChatAPI{}
	store := &memStore{}
	notify := &mockGuestNotifier{}
	m := NewManager(api, store, notify, 10*time.Minute)

	resp, err := m.Start(context.Background(), jane(), "my printer is broken")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.State() != StateActive {
		t.Errorf("expected active, got %s", m.State())
	}

	snap, err := store.Load()
	if err != nil || snap == nil {
		t.Fatalf("expected a persisted snapshot, got %v / %v", snap, err)
	}
	if snap.SessionID != resp.SessionID {
		t.Errorf("snapshot session mismatch: %s vs %s", snap.SessionID, resp.SessionID)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Body != "my printer is broken" {
		t.Error("initial message must be in the snapshot")
	}
	if snap.GuestName != "Jane Doe" || snap.GuestEmail != "jane@example.com" {
		t.Error("guest identity must be in the snapshot")
	}
}

func TestAgentMessage_BumpsUnreadAndRepersists(t *testing.T) {
	api := &mockChatAPI{}
	store := &memStore{}
	m := NewManager(api, store, &mockGuestNotifier{}, 10*time.Minute)
	if _, err := m.Start(context.Background(), jane(), "hello"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.AppendAgentMessage("Agent Smith", "hi Jane"); err != nil {
		t.Fatalf("append: %v", err)
	}

	snap, _ := store.Load()
	if snap.UnreadCount != 1 {
		t.Errorf("expected 1 unread in snapshot, got %d", snap.UnreadCount)
	}
	if len(snap.Messages) != 2 {
		t.Errorf("expected 2 messages in snapshot, got %d", len(snap.Messages))
	}

	m.MarkRead()
	snap, _ = store.Load()
	if snap.UnreadCount != 0 {
		t.Errorf("mark read must re-persist zero unread, got %d", snap.UnreadCount)
	}
}

func TestSuspend_ReturnsToQueueAndKeepsSnapshot(t *testing.T) {
	api := &mockChatAPI{}
	store := &memStore{}
	m := NewManager(api, store, &mockGuestNotifier{}, 10*time.Minute)
	resp, err := m.Start(context.Background(), jane(), "hello")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Suspend(context.Background()); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	if m.State() != StateSuspended {
		t.Errorf("expected suspended, got %s", m.State())
	}
	if len(api.returned) != 1 || api.returned[0] != resp.SessionID {
		t.Errorf("expected return-to-queue for %s, got %v", resp.SessionID, api.returned)
	}
	if snap, _ := store.Load(); snap == nil {
		t.Error("suspend must keep the snapshot for recovery")
	}
}

func TestResume_FreshSnapshotRecovers(t *testing.T) {
	api := &mockChatAPI{}
	store := &memStore{}
	notify := &mockGuestNotifier{}
	store.Save(&domain.Snapshot{
		SessionID: "sess-9",
		Timestamp: time.Now().Add(-2 * time.Minute),
		Messages: []domain.Message{
			{Author: "Jane Doe", FromGuest: true, Body: "hello"},
			{Author: "Agent Smith", Body: "hi"},
		},
		UnreadCount: 1,
		GuestName:   "Jane Doe",
		GuestEmail:  "jane@example.com",
	})
	m := NewManager(api, store, notify, 10*time.Minute)

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if m.State() != StateRecovered {
		t.Errorf("expected recovered, got %s", m.State())
	}
	if len(notify.restored) != 1 || len(notify.restored[0]) != 2 {
		t.Error("transcript must be restored before the server round trip")
	}
	if len(notify.recovered) != 1 || notify.recovered[0] != "sess-9" {
		t.Errorf("expected recovery notification for sess-9, got %v", notify.recovered)
	}
	if len(api.requests) != 1 || api.requests[0].RecoverSessionID != "sess-9" {
		t.Error("resume must send the recovery tag to the server")
	}
	if sess := m.Session(); sess == nil || len(sess.Transcript) != 2 {
		t.Error("restored session must carry the snapshot transcript")
	}
}

func TestResume_StaleSnapshotExpiresWithoutNetwork(t *testing.T) {
	api := &mockChatAPI{}
	store := &memStore{}
	notify := &mockGuestNotifier{}
	old := time.Now()
	store.Save(&domain.Snapshot{
		SessionID: "sess-old",
		Timestamp: old,
	})
	m := NewManager(api, store, notify, 10*time.Minute,
		WithClock(func() time.Time { return old.Add(11 * time.Minute) }))

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if m.State() != StateExpired {
		t.Errorf("expected expired, got %s", m.State())
	}
	if api.requestCount() != 0 {
		t.Error("stale snapshot must expire locally without a resume request")
	}
	if len(notify.expired) != 1 || notify.expired[0] != "sess-old" {
		t.Errorf("expected expiry notification for sess-old, got %v", notify.expired)
	}
	if snap, _ := store.Load(); snap != nil {
		t.Error("stale snapshot must be discarded")
	}
}

func TestResume_ServerSideExpiryFallsBackToFreshIntake(t *testing.T) {
	api := &mockChatAPI{startErr: &domain.NotFoundError{Kind: "chat session", ID: "sess-7"}}
	store := &memStore{}
	notify := &mockGuestNotifier{}
	store.Save(&domain.Snapshot{
		SessionID: "sess-7",
		Timestamp: time.Now(),
	})
	m := NewManager(api, store, notify, 10*time.Minute)

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("resume with reaped session must not error, got %v", err)
	}

	if m.State() != StateExpired {
		t.Errorf("expected expired, got %s", m.State())
	}
	if len(notify.expired) != 1 {
		t.Errorf("expected 1 expiry notification, got %d", len(notify.expired))
	}

	// The guest starts over with a fresh intake.
	api.startErr = nil
	if _, err := m.Start(context.Background(), jane(), "still broken"); err != nil {
		t.Fatalf("fresh start after expiry: %v", err)
	}
	if m.State() != StateActive {
		t.Errorf("expected active after fresh start, got %s", m.State())
	}
}

func TestResume_TransientFailureStaysPending(t *testing.T) {
	api := &mockChatAPI{startErr: errors.New("connection reset")}
	store := &memStore{}
	notify := &mockGuestNotifier{}
	store.Save(&domain.Snapshot{
		SessionID: "sess-5",
		Timestamp: time.Now(),
	})
	m := NewManager(api, store, notify, 10*time.Minute)

	if err := m.Resume(context.Background()); err == nil {
		t.Fatal("transient failure must surface to the caller")
	}

	if m.State() != StateRecoveryPending {
		t.Errorf("expected recovery_pending for retry, got %s", m.State())
	}
	if snap, _ := store.Load(); snap == nil {
		t.Error("transient failure must not discard the snapshot")
	}

	// Retry succeeds.
	api.startErr = nil
	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if m.State() != StateRecovered {
		t.Errorf("expected recovered after retry, got %s", m.State())
	}
}

func TestResume_NoSnapshotIsNoSession(t *testing.T) {
	m := NewManager(&mockChatAPI{}, &memStore{}, &mockGuestNotifier{}, 10*time.Minute)

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m.State() != StateNoSession {
		t.Errorf("expected no_session, got %s", m.State())
	}
}
