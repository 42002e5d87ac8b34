// Package replay implements the worker side of deterministic replay: it looks
// up recorded model calls on the session's cache server by span path and call
// index, and substitutes them for live provider calls.
package replay

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

	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// ErrCacheMiss is returned when no record exists at the requested key.
var ErrCacheMiss = errors.New("replay: cache miss")

// CacheClient calls the session's cache server.
type CacheClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCacheClient creates a cache client for baseURL.
func NewCacheClient(baseURL string, timeout time.Duration) *CacheClient {
	return &CacheClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Lookup calls POST /cached. On a miss it returns the response, which still
// carries the current metadata, together with ErrCacheMiss.
func (c *CacheClient) Lookup(ctx context.Context, path string, index int) (*protocol.LookupResponse, error) {
	body, err := json.Marshal(&protocol.LookupRequest{Path: path, Index: &index})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lookup: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cached", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache response: %w", err)
	}

	var out protocol.LookupResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to decode cache response: %w", err)
		}
		if out.Span == nil {
			return &out, ErrCacheMiss
		}
		return &out, nil
	case http.StatusNotFound:
		if json.Unmarshal(respBody, &out) != nil {
			return nil, ErrCacheMiss
		}
		return &out, ErrCacheMiss
	default:
		return nil, fmt.Errorf("cache server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
