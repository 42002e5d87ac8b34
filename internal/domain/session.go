package domain

import (
	"encoding/json"

	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// Session identifies one interactive debugging session.
type Session struct {
	SessionID string        `json:"sessionId"`
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
}

// Param describes one input of the function under debugging.
type Param struct {
	Name    string      `json:"name" yaml:"name"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// ConnectRequest is the body announcing a session on the stream endpoint.
type ConnectRequest struct {
	SessionID string  `json:"sessionId"`
	Name      string  `json:"name"`
	Params    []Param `json:"params"`
}

// Handshake is the first informational event on a session stream.
type Handshake struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// RunRequest asks for one rollout execution.
type RunRequest struct {
	TraceID     string                       `json:"traceId,omitempty"`
	PathToCount map[string]int               `json:"pathToCount,omitempty"`
	Args        json.RawMessage              `json:"args,omitempty"`
	Overrides   map[string]protocol.Override `json:"overrides,omitempty"`
}

// StreamEvent is one event emitted by the session stream client.
type StreamEvent struct {
	Type      StreamEventType
	Handshake *Handshake
	Run       *RunRequest
	Err       error
}

// StatusUpdate is the body of a session status report.
type StatusUpdate struct {
	Status SessionStatus `json:"status"`
}
