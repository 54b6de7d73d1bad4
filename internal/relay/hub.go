// Package relay implements the server-side signaling relay: a message
// router that forwards call lifecycle and WebRTC negotiation events between
// the participants of a session without interpreting call semantics.
package relay

import (
	"sync"
	"time"

	"deskhub/realtime/internal/domain"

	"github.com/sirupsen/logrus"
)

// EventSink is one connected client's delivery endpoint.
type EventSink interface {
	Deliver(ev domain.Event)
}

// Hub routes signaling events. It keeps only the per-session participant
// roster needed for authorization and broadcast fan-out; call semantics
// live entirely in the clients.
type Hub struct {
	log   *logrus.Entry
	perms domain.PermissionChecker
	grace time.Duration

	mu       sync.RWMutex
	clients  map[string]EventSink
	sessions map[string]*roster
}

// roster is the relay's view of one call session. Its mutex serializes
// every event for the session, so delivery order matches arrival order;
// events for different sessions never block one another.
type roster struct {
	mu          sync.Mutex
	id          string
	callType    domain.CallType
	channelID   string
	channelName string
	initiator   domain.Participant
	members     map[string]*domain.Participant
	invited     map[string]*domain.Participant
	graceTimers map[string]*time.Timer
}

// NewHub creates a relay hub. grace is the dead-peer window: a connection
// dropping without leave_call gets that long to come back before the hub
// synthesizes the leave.
func NewHub(perms domain.PermissionChecker, grace time.Duration, log *logrus.Entry) *Hub {
	return &Hub{
		log:      log,
		perms:    perms,
		grace:    grace,
		clients:  make(map[string]EventSink),
		sessions: make(map[string]*roster),
	}
}

// Register attaches a connected client and cancels any dead-peer grace
// timers pending for that user.
func (h *Hub) Register(userID string, sink EventSink) {
	h.mu.Lock()
	h.clients[userID] = sink
	sessions := h.rostersLocked()
	h.mu.Unlock()

	for _, r := range sessions {
		r.mu.Lock()
		if t, ok := r.graceTimers[userID]; ok {
			t.Stop()
			delete(r.graceTimers, userID)
			h.log.WithFields(logrus.Fields{"user": userID, "session": r.id}).Info("reconnected within grace period")
		}
		r.mu.Unlock()
	}
}

// Unregister detaches a client. For every session the user is still a
// member of, a grace timer starts; if it fires before a reconnect, the hub
// synthesizes a leave_call so other rosters stay consistent.
func (h *Hub) Unregister(userID string, sink EventSink) {
	h.mu.Lock()
	if h.clients[userID] != sink {
		// A newer connection for the same user already replaced this one.
		h.mu.Unlock()
		return
	}
	delete(h.clients, userID)
	sessions := h.rostersLocked()
	h.mu.Unlock()

	for _, r := range sessions {
		r := r
		r.mu.Lock()
		if _, isMember := r.members[userID]; !isMember {
			r.mu.Unlock()
			continue
		}
		if _, ok := r.graceTimers[userID]; !ok {
			r.graceTimers[userID] = time.AfterFunc(h.grace, func() {
				h.log.WithFields(logrus.Fields{"user": userID, "session": r.id}).Warn("dead peer, synthesizing leave_call")
				h.Dispatch(userID, domain.Event{
					Type:      domain.EventLeaveCall,
					SessionID: r.id,
					Reason:    domain.ReasonUnavailable,
				})
			})
		}
		r.mu.Unlock()
	}
}

// Dispatch routes one inbound event from sender. Authorization failures are
// reported back to the sender and nothing is forwarded.
func (h *Hub) Dispatch(sender string, ev domain.Event) {
	ev.From = sender
	ev.Timestamp = time.Now().UnixMilli()

	switch ev.Type {
	case domain.EventCallInitiated:
		h.handleInitiate(sender, ev)
	case domain.EventCallAccept, domain.EventJoinCall:
		h.handleJoin(sender, ev)
	case domain.EventCallDecline:
		h.handleDecline(sender, ev)
	case domain.EventCallEnd:
		h.handleEnd(sender, ev)
	case domain.EventLeaveCall:
		h.handleLeave(sender, ev)
	case domain.EventWebRTCOffer, domain.EventWebRTCAnswer, domain.EventWebRTCICECandidate:
		h.handleUnicast(sender, ev)
	default:
		h.log.WithField("type", ev.Type).Debug("dropping unknown event")
	}
}

func (h *Hub) handleInitiate(sender string, ev domain.Event) {
	if !h.perms.HasPermission(sender, domain.PermissionPlaceCalls) {
		h.rejectf(sender, ev.SessionID, "not permitted to place calls")
		return
	}
	if ev.SessionID == "" || len(ev.Participants) == 0 {
		h.rejectf(sender, ev.SessionID, "call_initiated needs a session id and invitees")
		return
	}

	initiator := domain.Participant{UserID: sender}
	if ev.Initiator != nil {
		initiator = *ev.Initiator
		initiator.UserID = sender
	}
	now := time.Now()
	initiator.JoinedAt = &now

	r := &roster{
		id:          ev.SessionID,
		callType:    ev.CallType,
		channelID:   ev.ChannelID,
		channelName: ev.ChannelName,
		initiator:   initiator,
		members:     map[string]*domain.Participant{sender: &initiator},
		invited:     make(map[string]*domain.Participant),
		graceTimers: make(map[string]*time.Timer),
	}
	for i := range ev.Participants {
		p := ev.Participants[i]
		if p.UserID == sender {
			continue
		}
		p.JoinedAt = nil
		r.invited[p.UserID] = &p
	}

	h.mu.Lock()
	if _, exists := h.sessions[ev.SessionID]; exists {
		h.mu.Unlock()
		h.rejectf(sender, ev.SessionID, "session id already in use")
		return
	}
	h.sessions[ev.SessionID] = r
	h.mu.Unlock()

	for userID := range r.invited {
		h.deliver(userID, domain.Event{
			Type:        domain.EventIncomingCall,
			SessionID:   r.id,
			CallType:    r.callType,
			ChannelID:   r.channelID,
			ChannelName: r.channelName,
			Initiator:   &r.initiator,
			Timestamp:   ev.Timestamp,
		})
	}
	h.deliver(sender, domain.Event{
		Type:      domain.EventCallInitiatedSuccess,
		SessionID: r.id,
		Timestamp: ev.Timestamp,
	})
	h.log.WithFields(logrus.Fields{"session": r.id, "initiator": sender, "invitees": len(r.invited)}).Info("call initiated")
}

func (h *Hub) handleJoin(sender string, ev domain.Event) {
	r := h.session(ev.SessionID)
	if r == nil {
		h.rejectf(sender, ev.SessionID, "no such session")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, wasInvited := r.invited[sender]
	if _, isMember := r.members[sender]; !wasInvited && !isMember {
		h.rejectf(sender, ev.SessionID, "not a participant")
		return
	}
	if wasInvited {
		now := time.Now()
		p.JoinedAt = &now
		delete(r.invited, sender)
		r.members[sender] = p
	}

	joined := *r.members[sender]
	ev.Participant = &joined
	h.broadcastLocked(r, sender, ev)
}

func (h *Hub) handleDecline(sender string, ev domain.Event) {
	r := h.session(ev.SessionID)
	if r == nil {
		h.rejectf(sender, ev.SessionID, "no such session")
		return
	}

	r.mu.Lock()
	_, wasInvited := r.invited[sender]
	_, isMember := r.members[sender]
	if !wasInvited && !isMember {
		r.mu.Unlock()
		h.rejectf(sender, ev.SessionID, "not a participant")
		return
	}
	delete(r.invited, sender)
	delete(r.members, sender)
	h.broadcastLocked(r, sender, ev)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.dropSession(r.id)
	}
}

func (h *Hub) handleEnd(sender string, ev domain.Event) {
	r := h.session(ev.SessionID)
	if r == nil {
		h.rejectf(sender, ev.SessionID, "no such session")
		return
	}

	r.mu.Lock()
	if _, isMember := r.members[sender]; !isMember {
		r.mu.Unlock()
		h.rejectf(sender, ev.SessionID, "not a participant")
		return
	}
	h.broadcastLocked(r, sender, ev)
	for _, t := range r.graceTimers {
		t.Stop()
	}
	r.mu.Unlock()

	h.dropSession(r.id)
	h.log.WithFields(logrus.Fields{"session": r.id, "by": sender}).Info("call ended")
}

func (h *Hub) handleLeave(sender string, ev domain.Event) {
	r := h.session(ev.SessionID)
	if r == nil {
		h.rejectf(sender, ev.SessionID, "no such session")
		return
	}

	r.mu.Lock()
	left, isMember := r.members[sender]
	if !isMember {
		r.mu.Unlock()
		h.rejectf(sender, ev.SessionID, "not a participant")
		return
	}
	delete(r.members, sender)
	if t, ok := r.graceTimers[sender]; ok {
		t.Stop()
		delete(r.graceTimers, sender)
	}
	gone := *left
	ev.Participant = &gone
	h.broadcastLocked(r, sender, ev)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.dropSession(r.id)
	}
}

func (h *Hub) handleUnicast(sender string, ev domain.Event) {
	r := h.session(ev.SessionID)
	if r == nil {
		h.rejectf(sender, ev.SessionID, "no such session")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, isMember := r.members[sender]; !isMember {
		h.rejectf(sender, ev.SessionID, "not a participant")
		return
	}
	if _, targetMember := r.members[ev.TargetUser]; !targetMember {
		h.rejectf(sender, ev.SessionID, "target is not a participant")
		return
	}
	h.deliver(ev.TargetUser, ev)
}

// Answer records an HTTP-path answer. Idempotent with the socket accept.
func (h *Hub) Answer(sessionID, userID string) error {
	r := h.session(sessionID)
	if r == nil {
		return &domain.NotFoundError{Kind: "call", ID: sessionID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.invited[userID]; ok {
		now := time.Now()
		p.JoinedAt = &now
		delete(r.invited, userID)
		r.members[userID] = p
		return nil
	}
	if _, ok := r.members[userID]; ok {
		return nil
	}
	return &domain.AuthorizationError{UserID: userID, SessionID: sessionID}
}

// Decline records an HTTP-path decline.
func (h *Hub) Decline(sessionID, userID, reason string) error {
	r := h.session(sessionID)
	if r == nil {
		return &domain.NotFoundError{Kind: "call", ID: sessionID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.invited[userID]; ok {
		delete(r.invited, userID)
		return nil
	}
	if _, ok := r.members[userID]; ok {
		return nil
	}
	return &domain.AuthorizationError{UserID: userID, SessionID: sessionID}
}

// End records an HTTP-path end.
func (h *Hub) End(sessionID, userID, reason string) error {
	r := h.session(sessionID)
	if r == nil {
		return &domain.NotFoundError{Kind: "call", ID: sessionID}
	}

	r.mu.Lock()
	_, isMember := r.members[userID]
	r.mu.Unlock()
	if !isMember {
		return &domain.AuthorizationError{UserID: userID, SessionID: sessionID}
	}
	return nil
}

// Status returns the joined participants of a session for its members and
// invitees.
func (h *Hub) Status(sessionID, userID string) ([]domain.Participant, error) {
	r := h.session(sessionID)
	if r == nil {
		return nil, &domain.NotFoundError{Kind: "call", ID: sessionID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, isMember := r.members[userID]
	_, isInvited := r.invited[userID]
	if !isMember && !isInvited {
		return nil, &domain.AuthorizationError{UserID: userID, SessionID: sessionID}
	}

	out := make([]domain.Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, *p)
	}
	return out, nil
}

func (h *Hub) session(id string) *roster {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) dropSession(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// rostersLocked snapshots the current rosters. Caller holds h.mu; roster
// locks are never taken under it.
func (h *Hub) rostersLocked() []*roster {
	out := make([]*roster, 0, len(h.sessions))
	for _, r := range h.sessions {
		out = append(out, r)
	}
	return out
}

// broadcastLocked fans an event out to every member except sender. Caller
// holds r.mu.
func (h *Hub) broadcastLocked(r *roster, sender string, ev domain.Event) {
	for userID := range r.members {
		if userID == sender {
			continue
		}
		h.deliver(userID, ev)
	}
}

func (h *Hub) deliver(userID string, ev domain.Event) {
	h.mu.RLock()
	sink, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		h.log.WithFields(logrus.Fields{"user": userID, "type": ev.Type}).Debug("recipient offline, dropping")
		return
	}
	sink.Deliver(ev)
}

func (h *Hub) rejectf(sender, sessionID, msg string) {
	h.log.WithFields(logrus.Fields{"user": sender, "session": sessionID}).Warnf("rejected: %s", msg)
	h.deliver(sender, domain.Event{
		Type:      domain.EventError,
		SessionID: sessionID,
		Message:   msg,
	})
}
