package domain

import "time"

// CallType identifies the media profile of a call session.
type CallType string

const (
	CallTypeAudio       CallType = "audio"
	CallTypeVideo       CallType = "video"
	CallTypeScreenShare CallType = "screen_share"
)

// CallState is the lifecycle state of a call session as seen by one client.
type CallState string

const (
	// CallStateIdle means no call session exists locally.
	CallStateIdle CallState = "idle"
	// CallStateConnecting is the initiator's state between emitting
	// call_initiated and the relay acknowledging it.
	CallStateConnecting CallState = "connecting"
	// CallStateRinging means an incoming call awaits answer/decline, or an
	// outgoing call awaits the first accept.
	CallStateRinging CallState = "ringing"
	CallStateActive  CallState = "active"
	CallStateEnded   CallState = "ended"
)

// Decline and end reasons carried on call_decline / call_end events.
const (
	ReasonDeclined    = "declined"
	ReasonBusy        = "busy"
	ReasonUnavailable = "unavailable"
	ReasonTimeout     = "timeout"
	ReasonEnded       = "ended"
	ReasonLeft        = "left"
)

// PermissionPlaceCalls gates who may initiate a call. Checked by the
// client before emitting call_initiated and enforced again by the relay.
const PermissionPlaceCalls = "calls.place"

// ConnectionQuality is the advisory media-link quality for one participant.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
)

// Participant is one member (or invitee) of a call session. A participant
// with a nil JoinedAt is invited but has not yet joined.
type Participant struct {
	UserID      string            `json:"userId"`
	Username    string            `json:"username,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	JoinedAt    *time.Time        `json:"joinedAt,omitempty"`
	Quality     ConnectionQuality `json:"connectionQuality,omitempty"`
}

// CallSession is one signaling-coordinated call from initiation to
// termination. The session ID is minted by the initiator and shared by all
// participants. Once ended a session is discarded, never reused.
type CallSession struct {
	ID           string
	Type         CallType
	ChannelID    string
	ChannelName  string
	Initiator    Participant
	Participants map[string]*Participant
	State        CallState
	CreatedAt    time.Time
}

// Joined reports whether userID is a participant that has actually joined.
func (s *CallSession) Joined(userID string) bool {
	p, ok := s.Participants[userID]
	return ok && p.JoinedAt != nil
}

// Others returns every joined participant except exclude, in no particular
// order.
func (s *CallSession) Others(exclude string) []*Participant {
	var out []*Participant
	for id, p := range s.Participants {
		if id == exclude || p.JoinedAt == nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
