package domain

import "time"

// GuestIdentity is the contact information collected before (or while)
// starting a guest chat session.
type GuestIdentity struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	Department string `json:"department,omitempty"`
}

// Message is one transcript entry of a guest chat session.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	FromGuest bool      `json:"fromGuest"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}

// GuestChatSession is the server-side record of one anonymous visitor's
// chat session.
type GuestChatSession struct {
	ID          string        `json:"sessionId"`
	Guest       GuestIdentity `json:"guest"`
	Transcript  []Message     `json:"transcript"`
	UnreadCount int           `json:"unreadCount"`
	Suspended   bool          `json:"suspended"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Snapshot is the locally persisted image of a guest session. It carries
// everything needed to rebuild the visible transcript and unread badge
// before any server round trip completes.
type Snapshot struct {
	SessionID       string    `json:"sessionId"`
	Timestamp       time.Time `json:"timestamp"`
	Messages        []Message `json:"messages"`
	UnreadCount     int       `json:"unreadCount"`
	GuestName       string    `json:"guestName"`
	GuestEmail      string    `json:"guestEmail"`
	GuestPhone      string    `json:"guestPhone,omitempty"`
	GuestDepartment string    `json:"guestDepartment,omitempty"`
}

// StartSessionRequest is the payload of POST /chat/start-session. A request
// carrying RecoverSessionID is a recovery-tagged resume attempt.
type StartSessionRequest struct {
	Guest            GuestIdentity `json:"guest_info"`
	InitialMessage   string        `json:"initial_message,omitempty"`
	RecoverSessionID string        `json:"recover_session_id,omitempty"`
}

// StartSessionResponse is returned by POST /chat/start-session.
type StartSessionResponse struct {
	SessionID         string `json:"sessionId"`
	QueuePosition     int    `json:"queuePosition"`
	EstimatedWaitSecs int    `json:"estimatedWaitTime,omitempty"`
	Resumed           bool   `json:"resumed,omitempty"`
}
