package domain

import "context"

// Signaler manages the WebSocket signaling connection to the relay. Events
// arrive on a single channel in the order the relay sent them.
type Signaler interface {
	Connect() error
	Send(ev Event) error
	Events() <-chan Event
	Close()
}

// CallAPI is the authenticated HTTP action surface consumed by the call
// state machine.
type CallAPI interface {
	Answer(ctx context.Context, sessionID string) error
	Decline(ctx context.Context, sessionID, reason string) error
	End(ctx context.Context, sessionID, reason string) error
	Status(ctx context.Context, sessionID string) ([]Participant, error)
}

// ChatAPI is the HTTP surface consumed by the guest recovery manager.
type ChatAPI interface {
	StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error)
	ReturnToQueue(ctx context.Context, sessionID string) error
}

// PeerLink manages one negotiated media connection to a remote participant.
type PeerLink interface {
	RemoteUserID() string
	// Offer creates the initial offer; only the side that held the link
	// first calls it.
	Offer() (SDPPayload, error)
	// HandleOffer applies a remote offer and returns the local answer.
	HandleOffer(offer SDPPayload) (SDPPayload, error)
	HandleAnswer(answer SDPPayload) error
	AddRemoteCandidate(c ICECandidatePayload) error
	Quality() ConnectionQuality
	// Close releases all underlying resources. Safe to call twice.
	Close() error
}

// PeerCallbacks are fired by a PeerLink as negotiation progresses. Both are
// optional.
type PeerCallbacks struct {
	OnLocalCandidate func(remoteUserID string, c ICECandidatePayload)
	OnQualityChange  func(remoteUserID string, q ConnectionQuality)
}

// PeerFactory creates one PeerLink per remote participant of a call.
type PeerFactory interface {
	NewPeerLink(sessionID, remoteUserID string, callType CallType, cb PeerCallbacks) (PeerLink, error)
}

// MediaCapture owns the local capture devices for the duration of a call.
type MediaCapture interface {
	Acquire(t CallType) error
	// Release frees the devices. Safe to call twice.
	Release()
}

// PermissionChecker is the external permission collaborator gating who may
// place calls.
type PermissionChecker interface {
	HasPermission(userID, permission string) bool
}

// CallNotifier receives call lifecycle notifications for whatever UI layer
// renders them.
type CallNotifier interface {
	CallStateChanged(s *CallSession)
	// CallEnded fires exactly once per call session.
	CallEnded(sessionID, reason string)
	PeerQualityChanged(sessionID, userID string, q ConnectionQuality)
	Inconsistency(sessionID string, err error)
}

// GuestNotifier receives guest session notifications for the widget UI.
type GuestNotifier interface {
	TranscriptRestored(msgs []Message, unread int)
	SessionRecovered(sessionID string)
	SessionExpired(sessionID string)
}

// SnapshotStore persists the single guest session snapshot for one browser
// context. Save overwrites atomically; Load returns (nil, nil) when no
// snapshot exists.
type SnapshotStore interface {
	Save(s *Snapshot) error
	Load() (*Snapshot, error)
	Discard() error
}
