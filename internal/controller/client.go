// Package controller is the HTTP client for the remote controller's agent
// API. All bodies are JSON; authentication is a bearer API key.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

// Client talks to the controller's agent-facing REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a controller client rooted at baseURL.
func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// Heartbeat reports liveness and receives assignments and commands.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.post(ctx, "/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadDiscovered sends one scan's merged device list.
func (c *Client) UploadDiscovered(ctx context.Context, upload DiscoveredUpload) (*DiscoveredUploadResult, error) {
	var result DiscoveredUploadResult
	if err := c.post(ctx, "/devices/discovered", upload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MonitoredDevices fetches the devices the controller tracks.
func (c *Client) MonitoredDevices(ctx context.Context) (*DevicesResponse, error) {
	var resp DevicesResponse
	if err := c.get(ctx, "/devices", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadStatus sends a batch of check reports.
func (c *Client) UploadStatus(ctx context.Context, upload StatusUpload) (*StatusUploadResult, error) {
	var result StatusUploadResult
	if err := c.post(ctx, "/devices/status", upload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterSegment auto-registers a segment for this agent.
func (c *Client) RegisterSegment(ctx context.Context, req RegisterSegmentRequest) (*RegisterSegmentResponse, error) {
	var resp RegisterSegmentResponse
	if err := c.post(ctx, "/segments/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AckCommand acknowledges a command by ID with its outcome.
func (c *Client) AckCommand(ctx context.Context, commandID string, ack AckRequest) error {
	return c.post(ctx, "/commands/"+commandID+"/ack", ack, nil)
}

// Ping measures controller round-trip latency.
func (c *Client) Ping(ctx context.Context, req PingRequest) (*PingResponse, error) {
	var resp PingResponse
	if err := c.post(ctx, "/ping", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.Debug("controller request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
