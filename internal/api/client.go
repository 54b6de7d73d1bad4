// Package api is the authenticated HTTP client for relay call actions and
// the guest chat endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"deskhub/realtime/internal/domain"
)

// Client talks to the relayd HTTP API. It implements domain.CallAPI and
// domain.ChatAPI.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client against baseURL. The token is sent as a
// bearer credential on every call action; chat endpoints are unauthenticated
// (guests are anonymous) and ignore it.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Answer confirms accepting the ringing call over the authenticated path.
func (c *Client) Answer(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+sessionID+"/answer", nil, nil, true)
}

// Decline rejects the ringing call, carrying the decline reason.
func (c *Client) Decline(ctx context.Context, sessionID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/calls/"+sessionID+"/decline", body, nil, true)
}

// End terminates the call.
func (c *Client) End(ctx context.Context, sessionID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/calls/"+sessionID+"/end", body, nil, true)
}

// Status returns the current participant roster of the call.
func (c *Client) Status(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	var out struct {
		Participants []domain.Participant `json:"participants"`
	}
	if err := c.do(ctx, http.MethodGet, "/calls/"+sessionID+"/status", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// StartSession starts (or, when the request is recovery-tagged, resumes) a
// guest chat session.
func (c *Client) StartSession(ctx context.Context, req domain.StartSessionRequest) (*domain.StartSessionResponse, error) {
	var out domain.StartSessionResponse
	if err := c.do(ctx, http.MethodPost, "/chat/start-session", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReturnToQueue suspends a guest session without losing its queue position.
func (c *Client) ReturnToQueue(ctx context.Context, sessionID string) error {
	body := map[string]string{"sessionId": sessionID}
	return c.do(ctx, http.MethodPost, "/chat/return-to-queue", body, nil, false)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransportError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &domain.AuthorizationError{SessionID: path}
	case resp.StatusCode == http.StatusNotFound:
		return &domain.NotFoundError{Kind: "session", ID: path}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
