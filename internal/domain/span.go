package domain

import (
	"encoding/json"
	"time"
)

// Span is one historical row returned by the trace query collaborator.
// Input, Output and Attributes are raw JSON as stored.
type Span struct {
	TraceID    string          `json:"traceId,omitempty"`
	Path       string          `json:"path"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	StartTime  time.Time       `json:"startTime"`
}

// SpanQuery is the body of a historical span query.
type SpanQuery struct {
	Paths []string `json:"paths"`
}

// SpanQueryResponse is returned by the backend span query endpoint.
type SpanQueryResponse struct {
	Spans []Span `json:"spans"`
}

// Run is one execution recorded in the local run log.
type Run struct {
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Function  string          `json:"function,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Status    SessionStatus   `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Event is one entry of a run's log.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    RunEventType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
