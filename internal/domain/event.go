package domain

// Relay event types. Unicast events carry TargetUser and are forwarded to
// that participant only; broadcast events fan out to every other member of
// the session.
const (
	EventCallInitiated        = "call_initiated"
	EventCallInitiatedSuccess = "call_initiated_success"
	EventIncomingCall         = "incoming_call"
	EventCallAccept           = "call_accept"
	EventCallDecline          = "call_decline"
	EventCallEnd              = "call_end"
	EventJoinCall             = "join_call"
	EventLeaveCall            = "leave_call"
	EventParticipantJoined    = "call_participant_joined"
	EventParticipantLeft      = "call_participant_left"
	EventWebRTCOffer          = "webrtc_offer"
	EventWebRTCAnswer         = "webrtc_answer"
	EventWebRTCICECandidate   = "webrtc_ice_candidate"
	EventError                = "error"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// Event is the generic signaling envelope exchanged with the relay. Unused
// fields are omitted on the wire; Type decides which fields are meaningful.
type Event struct {
	Type         string               `json:"type"`
	SessionID    string               `json:"sessionId,omitempty"`
	CallType     CallType             `json:"callType,omitempty"`
	ChannelID    string               `json:"channelId,omitempty"`
	ChannelName  string               `json:"channelName,omitempty"`
	From         string               `json:"from,omitempty"`
	TargetUser   string               `json:"targetUser,omitempty"`
	Initiator    *Participant         `json:"initiator,omitempty"`
	Participant  *Participant         `json:"participant,omitempty"`
	Participants []Participant        `json:"participants,omitempty"`
	Offer        *SDPPayload          `json:"offer,omitempty"`
	Answer       *SDPPayload          `json:"answer,omitempty"`
	Candidate    *ICECandidatePayload `json:"candidate,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Message      string               `json:"message,omitempty"`
	Timestamp    int64                `json:"timestamp,omitempty"`
}
