// Package clienthttp is the CLI's REST client for session management.
package clienthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/framepipe/framepipe/pkg/protocol"
)

// ErrUnauthorized indicates a missing or rejected bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// ErrSessionNotFound indicates an unknown session token.
var ErrSessionNotFound = errors.New("session not found")

// Client talks to the upload server's REST surface.
type Client struct {
	serverURL string
	authToken string
	http      *http.Client
}

// New creates a client for serverURL. A scheme-less URL gets http://.
func New(serverURL, authToken string) *Client {
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateSession registers a new upload session.
func (c *Client) CreateSession(ctx context.Context, filename string, fileSize int64, chunkSize uint32) (protocol.CreateSessionResponse, error) {
	body, err := json.Marshal(protocol.CreateSessionRequest{
		Filename:  filename,
		FileSize:  fileSize,
		ChunkSize: chunkSize,
	})
	if err != nil {
		return protocol.CreateSessionResponse{}, fmt.Errorf("encode request: %w", err)
	}

	var resp protocol.CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/upload/session", body, http.StatusCreated, &resp); err != nil {
		return protocol.CreateSessionResponse{}, err
	}
	return resp, nil
}

// SessionStatus fetches the registry view of a session.
func (c *Client) SessionStatus(ctx context.Context, token string) (protocol.SessionStatusResponse, error) {
	var resp protocol.SessionStatusResponse
	if err := c.do(ctx, http.MethodGet, "/upload/session/"+token, nil, http.StatusOK, &resp); err != nil {
		return protocol.SessionStatusResponse{}, err
	}
	return resp, nil
}

// CancelSession cancels a session out of band. Idempotent.
func (c *Client) CancelSession(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/upload/session/"+token, nil, http.StatusNoContent, nil)
}

// UploadSocketURL derives the websocket endpoint for a session token.
func (c *Client) UploadSocketURL(token string) string {
	wsURL := c.serverURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return wsURL + "/ws/upload/" + token
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case wantStatus:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrSessionNotFound
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, serverError(payload))
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func serverError(payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(payload))
}
