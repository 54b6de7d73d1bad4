// Package guest implements the widget-side guest session machinery: the
// recovery manager that lets a chat session survive widget close/reopen
// within a bounded window, the progressive intake flow, and the persisted
// snapshot store.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"deskhub/realtime/internal/domain"

	"github.com/google/uuid"
)

// RecoveryState is the guest session lifecycle as seen by the widget.
type RecoveryState string

const (
	StateNoSession       RecoveryState = "no_session"
	StateActive          RecoveryState = "active"
	StateSuspended       RecoveryState = "suspended"
	StateRecoveryPending RecoveryState = "recovery_pending"
	StateRecovered       RecoveryState = "recovered"
	StateExpired         RecoveryState = "expired"
)

// Manager owns one guest chat session per browser context. Every mutating
// event re-persists the full snapshot with an atomic overwrite, so a later
// widget load can restore the transcript and unread badge before any server
// round trip.
type Manager struct {
	api    domain.ChatAPI
	store  domain.SnapshotStore
	notify domain.GuestNotifier
	window time.Duration
	clock  func() time.Time

	mu    sync.Mutex
	state RecoveryState
	sess  *domain.GuestChatSession
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source; tests use it to age snapshots.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a recovery manager with the given recovery window.
func NewManager(api domain.ChatAPI, store domain.SnapshotStore, notify domain.GuestNotifier, window time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:    api,
		store:  store,
		notify: notify,
		window: window,
		clock:  time.Now,
		state:  StateNoSession,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current recovery state.
func (m *Manager) State() RecoveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the local session view, nil before a session starts.
func (m *Manager) Session() *domain.GuestChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Start begins a fresh session with the collected identity and first
// message, persisting the initial snapshot.
func (m *Manager) Start(ctx context.Context, identity domain.GuestIdentity, initialMessage string) (*domain.StartSessionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateActive || m.state == StateRecovered || m.state == StateRecoveryPending {
		return nil, fmt.Errorf("a session is already %s", m.state)
	}

	resp, err := m.api.StartSession(ctx, domain.StartSessionRequest{
		Guest:          identity,
		InitialMessage: initialMessage,
	})
	if err != nil {
		return nil, err
	}

	now := m.clock()
	m.sess = &domain.GuestChatSession{
		ID:        resp.SessionID,
		Guest:     identity,
		CreatedAt: now,
	}
	if initialMessage != "" {
		m.sess.Transcript = append(m.sess.Transcript, domain.Message{
			ID:        uuid.NewString(),
			Author:    identity.Name,
			FromGuest: true,
			Body:      initialMessage,
			SentAt:    now,
		})
	}
	m.state = StateActive
	m.persistLocked()

	log.Printf("[guest] session %s started, queue position %d", resp.SessionID, resp.QueuePosition)
	return resp, nil
}

// AppendGuestMessage records an outbound message and re-persists.
func (m *Manager) AppendGuestMessage(body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return fmt.Errorf("no live session")
	}
	m.sess.Transcript = append(m.sess.Transcript, domain.Message{
		ID:        uuid.NewString(),
		Author:    m.sess.Guest.Name,
		FromGuest: true,
		Body:      body,
		SentAt:    m.clock(),
	})
	m.persistLocked()
	return nil
}

// AppendAgentMessage records an inbound staff message, bumps the unread
// badge and re-persists.
func (m *Manager) AppendAgentMessage(author, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return fmt.Errorf("no live session")
	}
	m.sess.Transcript = append(m.sess.Transcript, domain.Message{
		ID:     uuid.NewString(),
		Author: author,
		Body:   body,
		SentAt: m.clock(),
	})
	m.sess.UnreadCount++
	m.persistLocked()
	return nil
}

// MarkRead clears the unread badge and re-persists.
func (m *Manager) MarkRead() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return
	}
	m.sess.UnreadCount = 0
	m.persistLocked()
}

// Suspend is the user-initiated close: the session returns to the queue
// rather than ending, so a guest who closes the tab by mistake keeps their
// place in line. The local snapshot is retained for recovery.
func (m *Manager) Suspend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.liveLocked() {
		return fmt.Errorf("no live session to suspend")
	}
	if err := m.api.ReturnToQueue(ctx, m.sess.ID); err != nil {
		return err
	}
	m.state = StateSuspended
	m.persistLocked()

	log.Printf("[guest] session %s suspended", m.sess.ID)
	return nil
}

// Resume runs on widget load. A fresh-enough snapshot restores the
// transcript optimistically and confirms with the server; a stale one is
// discarded locally without any resume request. Expiry falls back silently
// to a fresh intake (StateExpired then NoSession on next Start).
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		m.state = StateNoSession
		return nil
	}

	if m.clock().Sub(snap.Timestamp) >= m.window {
		// The server has certainly reaped this session already; do not
		// even attempt the resume.
		log.Printf("[guest] snapshot for %s older than recovery window, discarding", snap.SessionID)
		m.expireLocked(snap.SessionID)
		return nil
	}

	// Optimistic restore before the network round trip.
	m.sess = sessionFromSnapshot(snap)
	m.state = StateRecoveryPending
	m.notify.TranscriptRestored(snap.Messages, snap.UnreadCount)

	resp, err := m.api.StartSession(ctx, domain.StartSessionRequest{
		Guest:            m.sess.Guest,
		RecoverSessionID: snap.SessionID,
	})
	var notFound *domain.NotFoundError
	switch {
	case errors.As(err, &notFound):
		log.Printf("[guest] session %s no longer resumable", snap.SessionID)
		m.sess = nil
		m.expireLocked(snap.SessionID)
		return nil
	case err != nil:
		// Transient failure: stay in RecoveryPending so the widget can
		// retry while still showing the restored transcript.
		return err
	}

	m.state = StateRecovered
	m.persistLocked()
	m.notify.SessionRecovered(resp.SessionID)
	log.Printf("[guest] session %s recovered, queue position %d", resp.SessionID, resp.QueuePosition)
	return nil
}

func (m *Manager) liveLocked() bool {
	return m.sess != nil && (m.state == StateActive || m.state == StateRecovered)
}

func (m *Manager) expireLocked(sessionID string) {
	if err := m.store.Discard(); err != nil {
		log.Printf("[guest] discard snapshot: %v", err)
	}
	m.state = StateExpired
	m.notify.SessionExpired(sessionID)
}

// persistLocked writes the full snapshot. Single writer, wholesale
// overwrite; with multiple tabs open the last writer wins.
func (m *Manager) persistLocked() {
	snap := &domain.Snapshot{
		SessionID:       m.sess.ID,
		Timestamp:       m.clock(),
		Messages:        m.sess.Transcript,
		UnreadCount:     m.sess.UnreadCount,
		GuestName:       m.sess.Guest.Name,
		GuestEmail:      m.sess.Guest.Email,
		GuestPhone:      m.sess.Guest.Phone,
		GuestDepartment: m.sess.Guest.Department,
	}
	if err := m.store.Save(snap); err != nil {
		log.Printf("[guest] persist snapshot: %v", err)
	}
}

func sessionFromSnapshot(snap *domain.Snapshot) *domain.GuestChatSession {
	return &domain.GuestChatSession{
		ID: snap.SessionID,
		Guest: domain.GuestIdentity{
			Name:       snap.GuestName,
			Email:      snap.GuestEmail,
			Phone:      snap.GuestPhone,
			Department: snap.GuestDepartment,
		},
		Transcript:  snap.Messages,
		UnreadCount: snap.UnreadCount,
		CreatedAt:   snap.Timestamp,
	}
}
