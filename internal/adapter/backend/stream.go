package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/logging"
)

// SSEEvent represents a parsed SSE frame.
type SSEEvent struct {
	Event string
	Data  string
}

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errShutdown         = errors.New("stream client shut down")
	errStreamEnded      = errors.New("stream ended")
)

const maxFrameSize = 4 * 1024 * 1024

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	BaseURL   string
	APIKey    string
	SessionID string
	Name      string
	Params    []domain.Param

	HeartbeatInterval time.Duration
	HeartbeatMissed   int
	ReconnectDelay    time.Duration

	// BackOff overrides the fixed reconnect delay when set.
	BackOff    backoff.BackOff
	HTTPClient *http.Client
	Logger     logging.Logger
}

// StreamClient keeps one session event stream open, reconnecting until shut down.
type StreamClient struct {
	cfg        StreamConfig
	httpClient *http.Client
	backoff    backoff.BackOff
	logger     logging.Logger

	events chan domain.StreamEvent
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	state         domain.StreamState
	cancel        context.CancelCauseFunc
	lastHeartbeat time.Time
}

// NewStreamClient creates a stream client in the Idle state.
func NewStreamClient(cfg StreamConfig) *StreamClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatMissed <= 0 {
		cfg.HeartbeatMissed = 3
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}

	b := cfg.BackOff
	if b == nil {
		b = backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// no timeout: the stream is long-lived
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &StreamClient{
		cfg:        cfg,
		httpClient: httpClient,
		backoff:    b,
		logger:     logger,
		events:     make(chan domain.StreamEvent, 64),
		done:       make(chan struct{}),
		state:      domain.StreamStateIdle,
	}
}

// Events returns the channel stream events are delivered on. It is closed when
// ConnectAndListen returns.
func (c *StreamClient) Events() <-chan domain.StreamEvent {
	return c.events
}

// State returns the current connection state.
func (c *StreamClient) State() domain.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectAndListen connects and dispatches events until Shutdown is called or
// ctx is done. Connection failures are retried indefinitely. It must be called
// at most once.
func (c *StreamClient) ConnectAndListen(ctx context.Context) error {
	defer close(c.events)
	defer c.setState(domain.StreamStateShutdown)

	stop := context.AfterFunc(ctx, c.Shutdown)
	defer stop()

	for {
		if c.stopped(ctx) {
			return nil
		}

		err := c.connect(ctx)
		if c.stopped(ctx) {
			return nil
		}

		if err != nil && !errors.Is(err, errHeartbeatTimeout) && !errors.Is(err, errStreamEnded) {
			c.emit(domain.StreamEvent{Type: domain.StreamEventError, Err: err})
		}
		c.logger.Debugf("session stream disconnected: %v", err)

		delay := c.backoff.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		c.setState(domain.StreamStateReconnecting)
		c.emit(domain.StreamEvent{Type: domain.StreamEventReconnecting})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// Shutdown aborts any in-flight connection and prevents further reconnects.
// It is idempotent.
func (c *StreamClient) Shutdown() {
	c.once.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.StreamStateShutdown
	if c.cancel != nil {
		c.cancel(errShutdown)
	}
}

func (c *StreamClient) stopped(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// connect runs one connection until it ends.
func (c *StreamClient) connect(ctx context.Context) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	if c.state == domain.StreamStateShutdown {
		c.mu.Unlock()
		return errShutdown
	}
	c.state = domain.StreamStateConnecting
	c.cancel = cancel
	c.mu.Unlock()

	body, err := json.Marshal(&domain.ConnectRequest{
		SessionID: c.cfg.SessionID,
		Name:      c.cfg.Name,
		Params:    c.cfg.Params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal connect request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/rollout/sessions/" + url.PathEscape(c.cfg.SessionID) + "/stream"
	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect session stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	c.touchHeartbeat()
	if !c.setConnected() {
		return errShutdown
	}
	c.backoff.Reset()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watchHeartbeat(connCtx, cancel)
	}()

	err = parseSSE(resp.Body, c.dispatch)
	cancel(errStreamEnded)
	wg.Wait()

	if errors.Is(context.Cause(connCtx), errHeartbeatTimeout) {
		return errHeartbeatTimeout
	}
	if err == nil {
		return errStreamEnded
	}
	return err
}

// watchHeartbeat aborts the connection once no heartbeat arrived for
// interval x missed. It fires at most once per connection.
func (c *StreamClient) watchHeartbeat(ctx context.Context, cancel context.CancelCauseFunc) {
	interval := c.cfg.HeartbeatInterval
	limit := interval * time.Duration(c.cfg.HeartbeatMissed)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			since := time.Since(c.lastHeartbeat)
			c.mu.Unlock()
			if since > limit {
				c.logger.Warnf("no heartbeat for %s, reconnecting", since.Round(time.Millisecond))
				c.emit(domain.StreamEvent{Type: domain.StreamEventHeartbeatTimeout})
				cancel(errHeartbeatTimeout)
				return
			}
		}
	}
}

func (c *StreamClient) dispatch(ev SSEEvent) error {
	switch domain.StreamEventType(ev.Event) {
	case domain.StreamEventHeartbeat:
		c.touchHeartbeat()
		c.emit(domain.StreamEvent{Type: domain.StreamEventHeartbeat})

	case domain.StreamEventHandshake:
		var hs domain.Handshake
		if err := json.Unmarshal([]byte(ev.Data), &hs); err != nil {
			c.emit(domain.StreamEvent{Type: domain.StreamEventError, Err: fmt.Errorf("failed to parse handshake event: %w", err)})
			return nil
		}
		c.emit(domain.StreamEvent{Type: domain.StreamEventHandshake, Handshake: &hs})

	case domain.StreamEventRun:
		var req domain.RunRequest
		data := ev.Data
		if strings.TrimSpace(data) == "" {
			data = "{}"
		}
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			c.emit(domain.StreamEvent{Type: domain.StreamEventError, Err: fmt.Errorf("failed to parse run event: %w", err)})
			return nil
		}
		c.emit(domain.StreamEvent{Type: domain.StreamEventRun, Run: &req})

	case domain.StreamEventStop:
		c.emit(domain.StreamEvent{Type: domain.StreamEventStop})

	default:
		c.logger.Debugf("ignoring session stream event %q", ev.Event)
	}
	return nil
}

func (c *StreamClient) emit(ev domain.StreamEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *StreamClient) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *StreamClient) setState(state domain.StreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StreamStateShutdown && state != domain.StreamStateShutdown {
		return
	}
	c.state = state
}

func (c *StreamClient) setConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StreamStateShutdown {
		return false
	}
	c.state = domain.StreamStateConnected
	return true
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	var event SSEEvent
	var hasData bool

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || hasData {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
				hasData = false
			}
			continue
		}

		// Parse event/data lines
		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if hasData {
				event.Data += "\n" + data
			} else {
				event.Data = data
				hasData = true
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || hasData {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
