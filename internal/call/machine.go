// Package call implements the client-side call session state machine. One
// machine per connected client owns at most one live call session at a
// time and mediates accept/decline/timeout/end against the relay.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"deskhub/realtime/internal/domain"

	"github.com/google/uuid"
)

// Machine is the authoritative owner of the local call state. All relay
// events feed it through a single inbound channel; public operations and
// the event loop share one mutex, so transitions are serialized.
type Machine struct {
	sig    domain.Signaler
	api    domain.CallAPI
	peers  domain.PeerFactory
	media  domain.MediaCapture
	perms  domain.PermissionChecker
	notify domain.CallNotifier

	self        domain.Participant
	ringTimeout time.Duration

	mu    sync.Mutex
	cur   *activeCall
	epoch uint64

	done chan struct{}
	once sync.Once
}

// activeCall bundles everything owned by one call lifecycle: the session,
// the peer link arena, and the cancellable ring timer. It is discarded
// wholesale when the call ends; nothing is reused across calls.
type activeCall struct {
	session   *domain.CallSession
	incoming  bool
	links     map[string]domain.PeerLink
	ringTimer *time.Timer
	epoch     uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithRingTimeout overrides the 60s unanswered-call timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// New creates a Machine for self. Call Start to begin consuming relay
// events.
func New(self domain.Participant, sig domain.Signaler, api domain.CallAPI, peers domain.PeerFactory, media domain.MediaCapture, perms domain.PermissionChecker, notify domain.CallNotifier, opts ...Option) *Machine {
	m := &Machine{
		sig:         sig,
		api:         api,
		peers:       peers,
		media:       media,
		perms:       perms,
		notify:      notify,
		self:        self,
		ringTimeout: 60 * time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the event loop.
func (m *Machine) Start() {
	go m.run()
}

// Close stops the event loop and ends any live call.
func (m *Machine) Close() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.endLocalLocked(domain.ReasonEnded)
	}
}

// State returns the current call state, CallStateIdle when no call exists.
func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return domain.CallStateIdle
	}
	return m.cur.session.State
}

// Session returns the live call session, nil when idle.
func (m *Machine) Session() *domain.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.session
}

// Initiate places a new call to the given invitees and returns the freshly
// minted session ID. Fails if a call is already live or the user lacks the
// place-calls permission.
func (m *Machine) Initiate(ctx context.Context, callType domain.CallType, invitees []domain.Participant, channelID, channelName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		return "", fmt.Errorf("call %s is already %s", m.cur.session.ID, m.cur.session.State)
	}
	if !m.perms.HasPermission(m.self.UserID, domain.PermissionPlaceCalls) {
		return "", &domain.AuthorizationError{UserID: m.self.UserID}
	}
	if len(invitees) == 0 {
		return "", fmt.Errorf("a call needs at least one invitee")
	}

	if err := m.media.Acquire(callType); err != nil {
		return "", fmt.Errorf("acquire media: %w", err)
	}

	sessionID := uuid.NewString()
	now := time.Now()
	self := m.self
	self.JoinedAt = &now

	session := &domain.CallSession{
		ID:           sessionID,
		Type:         callType,
		ChannelID:    channelID,
		ChannelName:  channelName,
		Initiator:    m.self,
		Participants: map[string]*domain.Participant{m.self.UserID: &self},
		State:        domain.CallStateConnecting,
		CreatedAt:    now,
	}
	for i := range invitees {
		p := invitees[i]
		p.JoinedAt = nil
		session.Participants[p.UserID] = &p
	}

	ev := domain.Event{
		Type:         domain.EventCallInitiated,
		SessionID:    sessionID,
		CallType:     callType,
		ChannelID:    channelID,
		ChannelName:  channelName,
		Initiator:    &m.self,
		Participants: invitees,
		Timestamp:    now.UnixMilli(),
	}
	if err := m.sig.Send(ev); err != nil {
		m.media.Release()
		return "", &domain.TransportError{Op: "call_initiated", Err: err}
	}

	m.epoch++
	m.cur = &activeCall{
		session: session,
		links:   make(map[string]domain.PeerLink),
		epoch:   m.epoch,
	}
	m.startRingTimerLocked()
	m.notify.CallStateChanged(session)

	log.Printf("[call] initiated %s type=%s invitees=%d", sessionID, callType, len(invitees))
	return sessionID, nil
}

// Answer accepts the ringing incoming call. Media capture and the HTTP
// answer go out first; if either fails, the call stays Ringing with its
// timer running and the UI may retry or decline. On success the accept
// event is emitted, the roster fetched, and one answerer-side peer link
// created per existing participant.
func (m *Machine) Answer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || !m.cur.incoming || m.cur.session.State != domain.CallStateRinging {
		return fmt.Errorf("no ringing incoming call to answer")
	}
	session := m.cur.session

	// Fail fast while the call is still untouched: media first, then the
	// HTTP answer. Either failure leaves the episode Ringing with its
	// timer intact.
	if err := m.media.Acquire(session.Type); err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	if err := m.api.Answer(ctx, session.ID); err != nil {
		m.media.Release()
		return &domain.TransportError{Op: "answer", Err: err}
	}

	m.stopRingTimerLocked()

	if err := m.sig.Send(domain.Event{
		Type:      domain.EventCallAccept,
		SessionID: session.ID,
		From:      m.self.UserID,
	}); err != nil {
		// The HTTP path already succeeded; the relay is the source of
		// truth for remote peers, so record the split rather than
		// rolling back.
		m.notify.Inconsistency(session.ID, fmt.Errorf("accept emitted over HTTP but not relay: %w", err))
	}

	roster, err := m.api.Status(ctx, session.ID)
	if err != nil {
		m.notify.Inconsistency(session.ID, fmt.Errorf("roster fetch after answer: %w", err))
		roster = nil
	}

	now := time.Now()
	self := session.Participants[m.self.UserID]
	if self == nil {
		p := m.self
		session.Participants[m.self.UserID] = &p
		self = &p
	}
	self.JoinedAt = &now

	for i := range roster {
		p := roster[i]
		if p.UserID == m.self.UserID || p.JoinedAt == nil {
			continue
		}
		session.Participants[p.UserID] = &p
		// Existing participants held their side of the pair first, so
		// they offer and this side answers.
		if _, err := m.linkLocked(p.UserID); err != nil {
			m.degradeLocked(p.UserID, err)
		}
	}

	session.State = domain.CallStateActive
	m.notify.CallStateChanged(session)
	log.Printf("[call] answered %s, %d existing participants", session.ID, len(roster))
	return nil
}

// Decline rejects the ringing incoming call. Fails fast, with no state
// change, if the HTTP decline errors.
func (m *Machine) Decline(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || !m.cur.incoming || m.cur.session.State != domain.CallStateRinging {
		return fmt.Errorf("no ringing incoming call to decline")
	}
	sessionID := m.cur.session.ID

	if err := m.api.Decline(ctx, sessionID, reason); err != nil {
		return &domain.TransportError{Op: "decline", Err: err}
	}

	if err := m.sig.Send(domain.Event{
		Type:      domain.EventCallDecline,
		SessionID: sessionID,
		From:      m.self.UserID,
		Reason:    reason,
	}); err != nil {
		m.notify.Inconsistency(sessionID, fmt.Errorf("decline emitted over HTTP but not relay: %w", err))
	}

	m.endLocalLocked(reason)
	return nil
}

// End terminates the live call. The initiator emits call_end (ending the
// call for everyone); any other participant emits leave_call. Local
// teardown happens regardless of the HTTP confirmation: a transport error
// is returned for the UI to retry but the state is not rolled back.
func (m *Machine) End(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return fmt.Errorf("no call to end")
	}
	session := m.cur.session

	evType := domain.EventLeaveCall
	if session.Initiator.UserID == m.self.UserID {
		evType = domain.EventCallEnd
	}
	if err := m.sig.Send(domain.Event{
		Type:      evType,
		SessionID: session.ID,
		From:      m.self.UserID,
		Reason:    reason,
	}); err != nil {
		m.notify.Inconsistency(session.ID, fmt.Errorf("end not emitted over relay: %w", err))
	}

	sessionID := session.ID
	m.endLocalLocked(reason)

	if err := m.api.End(ctx, sessionID, reason); err != nil {
		m.notify.Inconsistency(sessionID, fmt.Errorf("end confirmed over relay but HTTP failed: %w", err))
		return &domain.TransportError{Op: "end", Err: err}
	}
	return nil
}

func (m *Machine) run() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.sig.Events():
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Machine) handleEvent(ev domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case domain.EventIncomingCall:
		m.handleIncomingLocked(ev)
	case domain.EventCallInitiatedSuccess:
		m.handleInitiatedSuccessLocked(ev)
	case domain.EventCallAccept, domain.EventParticipantJoined:
		m.handleJoinedLocked(ev)
	case domain.EventCallDecline:
		m.handleDeclineLocked(ev)
	case domain.EventCallEnd:
		m.handleEndLocked(ev)
	case domain.EventLeaveCall, domain.EventParticipantLeft:
		m.handleLeftLocked(ev)
	case domain.EventWebRTCOffer:
		m.handleOfferLocked(ev)
	case domain.EventWebRTCAnswer:
		m.handleAnswerLocked(ev)
	case domain.EventWebRTCICECandidate:
		m.handleCandidateLocked(ev)
	case domain.EventError:
		log.Printf("[call] relay error: %s", ev.Message)
	default:
		log.Printf("[call] unhandled event: %s", ev.Type)
	}
}

func (m *Machine) handleIncomingLocked(ev domain.Event) {
	if m.cur != nil {
		// Busy invariant: one live call at a time. The second call is
		// declined over the relay only, no local state change.
		log.Printf("[call] busy, auto-declining %s", ev.SessionID)
		if err := m.sig.Send(domain.Event{
			Type:      domain.EventCallDecline,
			SessionID: ev.SessionID,
			From:      m.self.UserID,
			Reason:    domain.ReasonBusy,
		}); err != nil {
			log.Printf("[call] busy decline for %s failed: %v", ev.SessionID, err)
		}
		return
	}

	session := &domain.CallSession{
		ID:           ev.SessionID,
		Type:         ev.CallType,
		ChannelID:    ev.ChannelID,
		ChannelName:  ev.ChannelName,
		State:        domain.CallStateRinging,
		Participants: make(map[string]*domain.Participant),
		CreatedAt:    time.Now(),
	}
	if ev.Initiator != nil {
		session.Initiator = *ev.Initiator
		init := *ev.Initiator
		session.Participants[init.UserID] = &init
	}
	for i := range ev.Participants {
		p := ev.Participants[i]
		if _, ok := session.Participants[p.UserID]; !ok {
			session.Participants[p.UserID] = &p
		}
	}
	invited := m.self
	session.Participants[m.self.UserID] = &invited

	m.epoch++
	m.cur = &activeCall{
		session:  session,
		incoming: true,
		links:    make(map[string]domain.PeerLink),
		epoch:    m.epoch,
	}
	m.startRingTimerLocked()
	m.notify.CallStateChanged(session)
	log.Printf("[call] incoming %s from %s", ev.SessionID, session.Initiator.UserID)
}

func (m *Machine) handleInitiatedSuccessLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID {
		return
	}
	if m.cur.session.State == domain.CallStateConnecting {
		m.cur.session.State = domain.CallStateRinging
		m.notify.CallStateChanged(m.cur.session)
	}
}

func (m *Machine) handleJoinedLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID {
		return
	}
	session := m.cur.session

	joined := ev.Participant
	if joined == nil && ev.From != "" {
		joined = &domain.Participant{UserID: ev.From}
	}
	if joined == nil || joined.UserID == m.self.UserID {
		return
	}

	if existing, ok := session.Participants[joined.UserID]; ok && existing.JoinedAt != nil {
		// Duplicate join for a known participant is a no-op.
		return
	}

	now := time.Now()
	p := *joined
	if p.JoinedAt == nil {
		p.JoinedAt = &now
	}
	session.Participants[p.UserID] = &p

	wasRinging := session.State == domain.CallStateRinging || session.State == domain.CallStateConnecting
	if wasRinging && !m.cur.incoming {
		m.stopRingTimerLocked()
		session.State = domain.CallStateActive
		m.notify.CallStateChanged(session)
	}
	if session.State != domain.CallStateActive {
		return
	}

	// This side held the pair first, so it creates the offer.
	link, err := m.linkLocked(p.UserID)
	if err != nil {
		m.degradeLocked(p.UserID, err)
		return
	}
	offer, err := link.Offer()
	if err != nil {
		m.degradeLocked(p.UserID, err)
		return
	}
	if err := m.sig.Send(domain.Event{
		Type:       domain.EventWebRTCOffer,
		SessionID:  session.ID,
		From:       m.self.UserID,
		TargetUser: p.UserID,
		Offer:      &offer,
	}); err != nil {
		m.degradeLocked(p.UserID, err)
	}
	log.Printf("[call] %s joined %s, offer sent", p.UserID, session.ID)
}

func (m *Machine) handleDeclineLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID {
		return
	}
	session := m.cur.session

	delete(session.Participants, ev.From)

	if session.State == domain.CallStateActive {
		// A declined invitee does not end a live multi-party call.
		return
	}
	// Invitees still being rung count: only the last remaining invitee's
	// decline ends the episode.
	for id := range session.Participants {
		if id != m.self.UserID {
			return
		}
	}

	reason := ev.Reason
	if reason == "" {
		reason = domain.ReasonDeclined
	}

	// Tell the relay the episode is over so its roster does not linger.
	evType := domain.EventLeaveCall
	if session.Initiator.UserID == m.self.UserID {
		evType = domain.EventCallEnd
	}
	if err := m.sig.Send(domain.Event{
		Type:      evType,
		SessionID: session.ID,
		From:      m.self.UserID,
		Reason:    reason,
	}); err != nil {
		log.Printf("[call] end after decline for %s failed: %v", session.ID, err)
	}

	log.Printf("[call] %s declined by sole remaining invitee (%s)", session.ID, reason)
	m.endLocalLocked(reason)
}

func (m *Machine) handleEndLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = domain.ReasonEnded
	}
	log.Printf("[call] %s ended remotely (%s)", ev.SessionID, reason)
	m.endLocalLocked(reason)
}

func (m *Machine) handleLeftLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID {
		return
	}
	session := m.cur.session

	left := ev.From
	if left == "" && ev.Participant != nil {
		left = ev.Participant.UserID
	}
	if left == "" || left == m.self.UserID {
		return
	}

	delete(session.Participants, left)
	if link, ok := m.cur.links[left]; ok {
		if err := link.Close(); err != nil {
			log.Printf("[call] close link to %s: %v", left, err)
		}
		delete(m.cur.links, left)
	}

	if session.State == domain.CallStateActive && len(session.Others(m.self.UserID)) == 0 {
		log.Printf("[call] %s: all other participants left", session.ID)
		m.endLocalLocked(domain.ReasonLeft)
		return
	}
	m.notify.CallStateChanged(session)
}

func (m *Machine) handleOfferLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID || ev.Offer == nil {
		return
	}
	link, err := m.linkLocked(ev.From)
	if err != nil {
		m.degradeLocked(ev.From, err)
		return
	}
	answer, err := link.HandleOffer(*ev.Offer)
	if err != nil {
		m.degradeLocked(ev.From, err)
		return
	}
	if err := m.sig.Send(domain.Event{
		Type:       domain.EventWebRTCAnswer,
		SessionID:  ev.SessionID,
		From:       m.self.UserID,
		TargetUser: ev.From,
		Answer:     &answer,
	}); err != nil {
		m.degradeLocked(ev.From, err)
	}
}

func (m *Machine) handleAnswerLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID || ev.Answer == nil {
		return
	}
	link, ok := m.cur.links[ev.From]
	if !ok {
		log.Printf("[call] answer from %s without a link", ev.From)
		return
	}
	if err := link.HandleAnswer(*ev.Answer); err != nil {
		m.degradeLocked(ev.From, err)
	}
}

func (m *Machine) handleCandidateLocked(ev domain.Event) {
	if m.cur == nil || m.cur.session.ID != ev.SessionID || ev.Candidate == nil {
		return
	}
	link, ok := m.cur.links[ev.From]
	if !ok {
		log.Printf("[call] candidate from %s without a link", ev.From)
		return
	}
	if err := link.AddRemoteCandidate(*ev.Candidate); err != nil {
		m.degradeLocked(ev.From, err)
	}
}

// linkLocked returns the peer link to remote, creating it on first use.
func (m *Machine) linkLocked(remote string) (domain.PeerLink, error) {
	if link, ok := m.cur.links[remote]; ok {
		return link, nil
	}
	sessionID := m.cur.session.ID
	epoch := m.cur.epoch
	link, err := m.peers.NewPeerLink(sessionID, remote, m.cur.session.Type, domain.PeerCallbacks{
		OnLocalCandidate: func(remoteUserID string, c domain.ICECandidatePayload) {
			m.sendCandidate(sessionID, epoch, remoteUserID, c)
		},
		OnQualityChange: func(remoteUserID string, q domain.ConnectionQuality) {
			m.peerQualityChanged(sessionID, epoch, remoteUserID, q)
		},
	})
	if err != nil {
		return nil, err
	}
	m.cur.links[remote] = link
	return link, nil
}

// sendCandidate relays a locally discovered ICE candidate to its exact
// target peer. Fired from a pion goroutine, so it re-validates the call.
func (m *Machine) sendCandidate(sessionID string, epoch uint64, target string, c domain.ICECandidatePayload) {
	m.mu.Lock()
	live := m.cur != nil && m.cur.epoch == epoch && m.cur.session.ID == sessionID
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.sig.Send(domain.Event{
		Type:       domain.EventWebRTCICECandidate,
		SessionID:  sessionID,
		From:       m.self.UserID,
		TargetUser: target,
		Candidate:  &c,
	}); err != nil {
		log.Printf("[call] send candidate to %s: %v", target, err)
	}
}

func (m *Machine) peerQualityChanged(sessionID string, epoch uint64, remote string, q domain.ConnectionQuality) {
	m.mu.Lock()
	if m.cur == nil || m.cur.epoch != epoch || m.cur.session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	if p, ok := m.cur.session.Participants[remote]; ok {
		p.Quality = q
	}
	m.mu.Unlock()
	m.notify.PeerQualityChanged(sessionID, remote, q)
}

// degradeLocked records a negotiation failure scoped to one peer link. The
// link is reported poor; the call keeps going.
func (m *Machine) degradeLocked(remote string, err error) {
	log.Printf("[call] negotiation with %s degraded: %v", remote, err)
	if p, ok := m.cur.session.Participants[remote]; ok {
		p.Quality = domain.QualityPoor
	}
	m.notify.PeerQualityChanged(m.cur.session.ID, remote, domain.QualityPoor)
}

func (m *Machine) startRingTimerLocked() {
	sessionID := m.cur.session.ID
	epoch := m.cur.epoch
	m.cur.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.onRingTimeout(sessionID, epoch)
	})
}

func (m *Machine) stopRingTimerLocked() {
	if m.cur.ringTimer != nil {
		m.cur.ringTimer.Stop()
		m.cur.ringTimer = nil
	}
}

// onRingTimeout fires at most once per ringing episode. The epoch check
// makes a late fire against a newer call a no-op.
func (m *Machine) onRingTimeout(sessionID string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || m.cur.epoch != epoch || m.cur.session.ID != sessionID {
		return
	}
	state := m.cur.session.State
	if state != domain.CallStateRinging && state != domain.CallStateConnecting {
		return
	}

	log.Printf("[call] %s unanswered after %s", sessionID, m.ringTimeout)

	evType := domain.EventCallDecline
	if !m.cur.incoming {
		evType = domain.EventCallEnd
	}
	if err := m.sig.Send(domain.Event{
		Type:      evType,
		SessionID: sessionID,
		From:      m.self.UserID,
		Reason:    domain.ReasonTimeout,
	}); err != nil {
		log.Printf("[call] timeout event for %s failed: %v", sessionID, err)
	}

	incoming := m.cur.incoming
	m.endLocalLocked(domain.ReasonTimeout)

	// Best-effort HTTP confirmation; the relay event above is already the
	// source of truth for remote peers.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if incoming {
			err = m.api.Decline(ctx, sessionID, domain.ReasonTimeout)
		} else {
			err = m.api.End(ctx, sessionID, domain.ReasonTimeout)
		}
		if err != nil {
			m.notify.Inconsistency(sessionID, fmt.Errorf("timeout confirmed over relay but HTTP failed: %w", err))
		}
	}()
}

// endLocalLocked tears down the live call: cancels the ring timer, closes
// every peer link, releases media capture and notifies the UI exactly once.
// After it returns the machine is Idle and ready for a fresh session.
func (m *Machine) endLocalLocked(reason string) {
	if m.cur == nil {
		return
	}
	session := m.cur.session

	m.stopRingTimerLocked()
	for remote, link := range m.cur.links {
		if err := link.Close(); err != nil {
			log.Printf("[call] close link to %s: %v", remote, err)
		}
	}
	m.cur.links = nil
	m.media.Release()

	session.State = domain.CallStateEnded
	m.cur = nil
	m.notify.CallEnded(session.ID, reason)
	log.Printf("[call] %s ended (%s)", session.ID, reason)
}
