package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// ErrSessionTerminated is returned when the server answers a refresh
// with a terminal rejection (reuse detected, revoked, expired). The
// client must fully re-authenticate.
var ErrSessionTerminated = errors.New("session terminated by server")

// Client talks to the authcore HTTP API. Tokens travel in cookies, so
// the client owns a cookie jar and never sees refresh-token plaintext.
// It implements [Refresher].
type Client struct {
	baseURL string
	http    *http.Client

	csrf string
}

// NewClient creates a client for the API at baseURL. The HTTP client
// gets its own cookie jar; a nil client uses a 10 second timeout.
func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	return &Client{baseURL: baseURL, http: hc}, nil
}

type apiEnvelope struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
}

type sessionPayload struct {
	SessionID       string    `json:"sessionId"`
	CSRFToken       string    `json:"csrfToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

// Login authenticates and returns the initial auth state.
func (c *Client) Login(ctx context.Context, identifier, password, deviceID string) (AuthState, error) {
	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
		"deviceId":   deviceID,
	})
	if err != nil {
		return AuthState{}, err
	}

	var payload sessionPayload
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", bytes.NewReader(body), &payload); err != nil {
		return AuthState{}, err
	}
	c.csrf = payload.CSRFToken
	return AuthState{
		Authenticated:   true,
		SessionID:       payload.SessionID,
		CSRFToken:       payload.CSRFToken,
		AccessExpiresAt: payload.AccessExpiresAt,
	}, nil
}

// Refresh rotates the refresh token held in the cookie jar.
func (c *Client) Refresh(ctx context.Context) (AuthState, error) {
	var payload sessionPayload
	if err := c.do(ctx, http.MethodPost, "/api/auth/token/refresh", nil, &payload); err != nil {
		return AuthState{}, err
	}
	c.csrf = payload.CSRFToken
	return AuthState{
		Authenticated:   true,
		SessionID:       payload.SessionID,
		CSRFToken:       payload.CSRFToken,
		AccessExpiresAt: payload.AccessExpiresAt,
	}, nil
}

// Logout terminates the current session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// Transport errors are retried a few times with a short backoff before
// giving up. Server responses, even error envelopes, are never retried
// here.
const (
	doMaxAttempts  = 3
	doRetryBackoff = 100 * time.Millisecond
)

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out interface{}) error {
	var resp *http.Response
	for attempt := 1; ; attempt++ {
		var req *http.Request
		var err error
		if body != nil {
			if _, err := body.Seek(0, 0); err != nil {
				return err
			}
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
			if err != nil {
				return err
			}
		} else {
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
			if err != nil {
				return err
			}
		}
		req.Header.Set("Content-Type", "application/json")
		if c.csrf != "" {
			req.Header.Set("X-CSRF-Token", c.csrf)
		}

		resp, err = c.http.Do(req)
		if err == nil {
			break
		}
		if attempt >= doMaxAttempts || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(doRetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		switch env.ErrorCode {
		case "refresh_reuse_detected", "token_revoked", "session_expired", "session_not_found":
			return fmt.Errorf("%w: %s", ErrSessionTerminated, env.ErrorCode)
		default:
			return fmt.Errorf("%s: %s", env.ErrorCode, env.Message)
		}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	return nil
}
