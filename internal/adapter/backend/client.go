// Package backend talks to the rollout backend: the session event stream,
// session status reports and historical span queries.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/rollout/internal/domain"
)

// Client is an HTTP client for the backend's JSON endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new backend client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ErrorResponse represents an error response from the backend.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// SetStatus calls PUT /v1/rollout/sessions/{id}/status.
func (c *Client) SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	path := "/v1/rollout/sessions/" + url.PathEscape(sessionID) + "/status"
	if err := c.do(ctx, http.MethodPut, path, &domain.StatusUpdate{Status: status}, nil); err != nil {
		return fmt.Errorf("failed to set session status: %w", err)
	}
	return nil
}

// DeleteSession calls DELETE /v1/rollout/sessions/{id}.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/v1/rollout/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// QuerySpans calls POST /v1/traces/{traceId}/spans/query. Rows come back
// ordered by start time.
func (c *Client) QuerySpans(ctx context.Context, traceID string, paths []string) ([]domain.Span, error) {
	path := "/v1/traces/" + url.PathEscape(traceID) + "/spans/query"
	var resp domain.SpanQueryResponse
	if err := c.do(ctx, http.MethodPost, path, &domain.SpanQuery{Paths: paths}, &resp); err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	return resp.Spans, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if json.Unmarshal(respBody, &errResp) == nil {
		if errResp.Error != "" {
			return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, errResp.Error)
		}
		if errResp.Detail != "" {
			return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, errResp.Detail)
		}
	}
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
