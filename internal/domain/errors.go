package domain

import (
	"fmt"
	"time"
)

// AuthorizationError means the relay rejected an action from a user that is
// not a participant of the session. Terminal for the action, never retried.
type AuthorizationError struct {
	UserID    string
	SessionID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not authorized for session %s", e.UserID, e.SessionID)
}

// NotFoundError means the call or chat session no longer exists, e.g.
// answering a call that already ended.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TimeoutError covers the ring timeout and the recovery-window expiry. It
// auto-resolves to a decline or expired transition without user action.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// NegotiationError is a WebRTC offer/answer/ICE failure scoped to a single
// peer link. It degrades that one link, never the whole call.
type NegotiationError struct {
	RemoteUserID string
	Err          error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.RemoteUserID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError is a failed HTTP action. The UI may retry; local
// signaling-driven state is never rolled back because of one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
