package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRemoteUnavailable covers network failures, timeouts and 5xx answers. Retrying may help.
	ErrRemoteUnavailable = errors.New("panel unavailable")
	// ErrRemoteRejected covers every other non-2xx answer. Retrying the same request will not help.
	ErrRemoteRejected = errors.New("panel rejected request")
	ErrUserNotFound   = errors.New("panel user not found")
)

// RemoteUser is the panel's representation of a user.
type RemoteUser struct {
	UUID               string    `json:"uuid"`
	ExternalID         string    `json:"externalId"`
	Expiry             time.Time `json:"expiry"`
	TrafficLimitBytes  int64     `json:"trafficLimitBytes"`
	ResourceGroupUUIDs []string  `json:"resourceGroupUUIDs"`
	Status             string    `json:"status"`
}

type UserUpdate struct {
	Expiry             time.Time `json:"expiry"`
	TrafficLimitBytes  int64     `json:"trafficLimitBytes"`
	ResourceGroupUUIDs []string  `json:"resourceGroupUUIDs"`
	Status             string    `json:"status"`
}

// Client talks to the panel API. Every call is bounded by the client timeout.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetUser(ctx context.Context, externalID string) (*RemoteUser, error) {
	var out RemoteUser
	if err := c.do(ctx, http.MethodGet, externalID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutUser creates or updates the user and returns the panel's view of it, including the
// panel-assigned UUID.
func (c *Client) PutUser(ctx context.Context, externalID string, update UserUpdate) (*RemoteUser, error) {
	if update.ResourceGroupUUIDs == nil {
		update.ResourceGroupUUIDs = []string{}
	}
	var out RemoteUser
	if err := c.do(ctx, http.MethodPut, externalID, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, externalID string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: panel base URL is not configured", ErrRemoteRejected)
	}
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(externalID))

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal panel request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return ErrUserNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRemoteRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRemoteRejected, err)
	}
	return nil
}
