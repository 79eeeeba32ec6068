package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes bounds how much of a response body the client reads.
const maxResponseBytes = 1 << 20

// Client talks to a running daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the daemon at baseURL (e.g. "http://localhost:8099").
// The default timeout covers a full code submission.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// SetTimeout sets the per-request timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// Status fetches the handshake state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, PathStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Help fetches usage and account information.
func (c *Client) Help(ctx context.Context) (*HelpResponse, error) {
	var resp HelpResponse
	if err := c.do(ctx, http.MethodGet, PathHelp, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestCode asks the daemon to trigger a 2FA push.
func (c *Client) RequestCode(ctx context.Context) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, PathRequestCode, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitCode sends the verification code as JSON.
func (c *Client) SubmitCode(ctx context.Context, code string) (*ActionResponse, error) {
	body, err := json.Marshal(SubmitRequest{TwoFACode: code})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, PathSubmitCode, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var nf NotFoundResponse
		if json.Unmarshal(data, &nf) == nil && nf.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, nf.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
