package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pttlink/internal/core/ports"
)

// Client calls the credential issuance RPC over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an issuance client. timeout bounds a single RPC;
// retries are the caller's concern.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Issue(ctx context.Context, req ports.IssueRequest) (*ports.IssueResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issue request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rtc/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build issue request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("issuance rpc failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("issuance rpc returned %d: %s", resp.StatusCode, msg)
	}

	var out ports.IssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode issue response: %w", err)
	}
	return &out, nil
}

var _ ports.CredentialIssuer = (*Client)(nil)
