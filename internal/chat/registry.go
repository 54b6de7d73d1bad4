// Package chat holds the server-side guest session registry: live session
// state, the waiting queue, and the bounded recovery window after a guest
// suspends or drops.
package chat

import (
	"sync"
	"time"

	"deskhub/realtime/internal/domain"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Registry owns every guest chat session the server knows about. Active
// sessions never expire on their own; a suspended session is re-stored with
// a TTL equal to the recovery window, so the cache reaps anything the guest
// does not come back for.
type Registry struct {
	log       *logrus.Entry
	window    time.Duration
	avgHandle time.Duration
	sessions  *gocache.Cache

	// mu guards the queue and every mutation of a stored session record;
	// gin serves the endpoints concurrently.
	mu    sync.Mutex
	queue []string
}

// NewRegistry creates a registry with the given recovery window and average
// handle time (used for wait estimates).
func NewRegistry(window, avgHandle time.Duration, log *logrus.Entry) *Registry {
	r := &Registry{
		log:       log,
		window:    window,
		avgHandle: avgHandle,
		sessions:  gocache.New(gocache.NoExpiration, time.Minute),
	}
	r.sessions.OnEvicted(func(id string, _ any) {
		r.log.WithField("session", id).Info("guest session expired past recovery window")
		r.dequeue(id)
	})
	return r
}

// StartSession creates a fresh session, or resumes a suspended one when the
// request carries a recovery tag. A recovery attempt against a session the
// cache already reaped fails with NotFoundError so the client can expire
// locally and fall back to a fresh intake.
func (r *Registry) StartSession(req domain.StartSessionRequest) (*domain.StartSessionResponse, error) {
	if req.RecoverSessionID != "" {
		return r.resume(req.RecoverSessionID)
	}

	now := time.Now()
	sess := &domain.GuestChatSession{
		ID:        uuid.NewString(),
		Guest:     req.Guest,
		CreatedAt: now,
	}
	if req.InitialMessage != "" {
		sess.Transcript = append(sess.Transcript, domain.Message{
			ID:        uuid.NewString(),
			Author:    req.Guest.Name,
			FromGuest: true,
			Body:      req.InitialMessage,
			SentAt:    now,
		})
	}
	r.sessions.Set(sess.ID, sess, gocache.NoExpiration)
	pos := r.enqueue(sess.ID)

	r.log.WithFields(logrus.Fields{"session": sess.ID, "queue_position": pos}).Info("guest session started")
	return &domain.StartSessionResponse{
		SessionID:         sess.ID,
		QueuePosition:     pos,
		EstimatedWaitSecs: pos * int(r.avgHandle.Seconds()),
	}, nil
}

func (r *Registry) resume(sessionID string) (*domain.StartSessionResponse, error) {
	v, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "chat session", ID: sessionID}
	}
	sess := v.(*domain.GuestChatSession)
	r.mu.Lock()
	sess.Suspended = false
	r.mu.Unlock()
	// Back to no-TTL: the session is live again.
	r.sessions.Set(sessionID, sess, gocache.NoExpiration)

	pos := r.position(sessionID)
	r.log.WithFields(logrus.Fields{"session": sessionID, "queue_position": pos}).Info("guest session resumed")
	return &domain.StartSessionResponse{
		SessionID:         sessionID,
		QueuePosition:     pos,
		EstimatedWaitSecs: pos * int(r.avgHandle.Seconds()),
		Resumed:           true,
	}, nil
}

// ReturnToQueue suspends a session while keeping its queue position; the
// recovery window starts counting now.
func (r *Registry) ReturnToQueue(sessionID string) error {
	v, ok := r.sessions.Get(sessionID)
	if !ok {
		return &domain.NotFoundError{Kind: "chat session", ID: sessionID}
	}
	sess := v.(*domain.GuestChatSession)
	r.mu.Lock()
	sess.Suspended = true
	r.mu.Unlock()
	r.sessions.Set(sessionID, sess, r.window)

	r.log.WithField("session", sessionID).Info("guest session returned to queue")
	return nil
}

// Append adds a message to a session's transcript. Staff messages bump the
// unread badge.
func (r *Registry) Append(sessionID string, msg domain.Message) error {
	v, ok := r.sessions.Get(sessionID)
	if !ok {
		return &domain.NotFoundError{Kind: "chat session", ID: sessionID}
	}
	sess := v.(*domain.GuestChatSession)

	r.mu.Lock()
	sess.Transcript = append(sess.Transcript, msg)
	if !msg.FromGuest {
		sess.UnreadCount++
	}
	r.mu.Unlock()
	return nil
}

// Session returns a copy of the session record; the stored record keeps
// changing under concurrent appends.
func (r *Registry) Session(sessionID string) (*domain.GuestChatSession, error) {
	v, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "chat session", ID: sessionID}
	}
	sess := v.(*domain.GuestChatSession)

	r.mu.Lock()
	copied := *sess
	r.mu.Unlock()
	return &copied, nil
}

func (r *Registry) enqueue(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, sessionID)
	return len(r.queue)
}

func (r *Registry) dequeue(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.queue {
		if id == sessionID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// position returns the 1-based queue position, 0 when the session is no
// longer queued (already being handled).
func (r *Registry) position(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.queue {
		if id == sessionID {
			return i + 1
		}
	}
	return 0
}
