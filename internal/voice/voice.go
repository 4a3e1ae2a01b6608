// Package voice is the HTTP client for the voice-media collaborator. The gateway never touches media itself; it
// forwards join/leave requests and relays any returned media-server credentials to the client as a
// VOICE_SERVER_UPDATE.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// internalKeyHeader authenticates gateway-to-voice requests with a shared key.
const internalKeyHeader = "X-Internal-Key"

// Credentials are the media-server connection details returned by a successful join. A join may also succeed without
// credentials (e.g. the user was already connected), in which case Join returns nil.
type Credentials struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Endpoint  string `json:"endpoint"`
	Token     string `json:"token"`
}

// Service is the voice collaborator contract consumed by the gateway.
type Service interface {
	Join(ctx context.Context, guildID, channelID, userID uuid.UUID, sessionID string) (*Credentials, error)
	Leave(ctx context.Context, guildID, channelID, userID uuid.UUID) error
}

// Client implements Service against the internal voice service HTTP API.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewClient creates a voice service client. The timeout bounds every request; voice calls sit on the
// VOICE_STATE_UPDATE hot path and must not hang a connection's read loop.
func NewClient(baseURL, key string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		key:     key,
		http:    &http.Client{Timeout: timeout},
	}
}

type joinRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type leaveRequest struct {
	UserID string `json:"user_id"`
}

// Join asks the voice service to admit the user to the given channel. Returns credentials when the voice service
// allocated a media server for this join, nil when no credential handoff is needed.
func (c *Client) Join(ctx context.Context, guildID, channelID, userID uuid.UUID, sessionID string) (*Credentials, error) {
	url := fmt.Sprintf("%s/api/voice/%s/%s/join", c.baseURL, guildID, channelID)
	body, err := c.post(ctx, url, joinRequest{UserID: userID.String(), SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("decode voice credentials: %w", err)
	}
	return &creds, nil
}

// Leave removes the user from the given channel.
func (c *Client) Leave(ctx context.Context, guildID, channelID, userID uuid.UUID) error {
	url := fmt.Sprintf("%s/api/voice/%s/%s/leave", c.baseURL, guildID, channelID)
	_, err := c.post(ctx, url, leaveRequest{UserID: userID.String()})
	return err
}

// post sends a JSON request and returns the response body, treating 204 as an empty success.
func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal voice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build voice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalKeyHeader, c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read voice response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voice service returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
