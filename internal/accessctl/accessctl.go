// Package accessctl is the client for the access controller — the external
// API holding the authoritative enabled/disabled status of an access key.
// Failures propagate as hard errors: the controller never retries a toggle
// call, relying on the next invocation to re-derive the same decision.
package accessctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/hysteresis"
)

// ErrFailure marks a failed access controller call. Callers match with
// errors.Is; on a failed SetStatus the new snapshot must not be persisted.
var ErrFailure = errors.New("access controller failure")

// maxResponseBodyBytes limits status response reads.
const maxResponseBodyBytes = 64 * 1024 // 64 KiB

// Client talks to the access controller over HTTP.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an access controller client from configuration.
func New(cfg config.AccessConfig, logger *slog.Logger) (*Client, error) {
	timeout, err := config.ParseDuration(cfg.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid access_controller.timeout: %w", err)
	}
	return &Client{
		baseURL:    cfg.URL,
		authToken:  cfg.AuthToken.Value(),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "accessctl"),
	}, nil
}

type statusBody struct {
	Status string `json:"status"`
}

// GetStatus queries the live toggle state of the key. Used only when no
// persisted snapshot exists.
func (c *Client) GetStatus(ctx context.Context, keyID string) (hysteresis.State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL(keyID), nil)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrFailure, err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: get status: %v", ErrFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: get status returned %d", ErrFailure, resp.StatusCode)
	}

	var body statusBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode status: %v", ErrFailure, err)
	}

	state := hysteresis.State(body.Status)
	if !state.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrFailure, body.Status)
	}
	return state, nil
}

// SetStatus sets the toggle state of the key. Any non-2xx response is a
// hard failure.
func (c *Client) SetStatus(ctx context.Context, keyID string, state hysteresis.State) error {
	payload, err := json.Marshal(statusBody{Status: string(state)})
	if err != nil {
		return fmt.Errorf("%w: marshal status: %v", ErrFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.statusURL(keyID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrFailure, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: set status: %v", ErrFailure, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: set status returned %d", ErrFailure, resp.StatusCode)
	}

	c.logger.Info("access key status updated", "key_id", keyID, "status", state)
	return nil
}

func (c *Client) statusURL(keyID string) string {
	return fmt.Sprintf("%s/v1/keys/%s/status", c.baseURL, url.PathEscape(keyID))
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
