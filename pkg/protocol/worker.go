// Package protocol defines the wire formats shared between the rollout CLI and
// the worker processes it spawns: the stdin run configuration, the
// sentinel-prefixed stdout message stream and the cache server payloads.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Sentinel prefixes every structured line a worker writes to stdout.
// Lines without it are the worker's own program output.
const Sentinel = "__rollout__:"

// Environment variables injected into the worker process.
const (
	EnvSessionID = "ROLLOUT_SESSION_ID"
	EnvCacheURL  = "ROLLOUT_CACHE_URL"
)

// Message types
const (
	TypeLog    = "log"
	TypeResult = "result"
	TypeError  = "error"
)

// Log levels carried by log messages.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// WorkerConfig is the snapshot written to the worker's stdin.
type WorkerConfig struct {
	SessionID    string            `json:"sessionId"`
	RunID        string            `json:"runId,omitempty"`
	File         string            `json:"file,omitempty"`
	Module       string            `json:"module,omitempty"`
	Function     string            `json:"function"`
	Args         interface{}       `json:"args"`
	Env          map[string]string `json:"env,omitempty"`
	BackendURL   string            `json:"backendUrl,omitempty"`
	CacheURL     string            `json:"cacheUrl"`
	DashboardURL string            `json:"dashboardUrl,omitempty"`
	APIKey       string            `json:"apiKey,omitempty"`
}

// Message is a structured worker message.
type Message struct {
	Type    string          `json:"type"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// EncodeConfig writes cfg as exactly one JSON line.
func EncodeConfig(w io.Writer, cfg *WorkerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal worker config: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write worker config: %w", err)
	}
	return nil
}

// DecodeConfig reads the single config line a worker receives on stdin.
func DecodeConfig(r io.Reader) (*WorkerConfig, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read worker config: %w", err)
	}
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, fmt.Errorf("worker config is empty")
	}

	var cfg WorkerConfig
	if err := json.Unmarshal(line, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return &cfg, nil
}

// ParseLine classifies one stdout line. ok is false for pass-through output,
// which is never decoded.
func ParseLine(line string) (msg *Message, ok bool, err error) {
	if !strings.HasPrefix(line, Sentinel) {
		return nil, false, nil
	}

	var m Message
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, Sentinel)), &m); err != nil {
		return nil, true, fmt.Errorf("failed to parse worker message: %w", err)
	}
	switch m.Type {
	case TypeLog, TypeResult, TypeError:
	default:
		return nil, true, fmt.Errorf("unknown worker message type %q", m.Type)
	}
	return &m, true, nil
}

// Emitter writes structured messages from inside a worker.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an emitter writing to w (normally os.Stdout).
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Log sends a log message at the given level.
func (e *Emitter) Log(level, text string) error {
	return e.emit(&Message{Type: TypeLog, Level: level, Message: text})
}

// Result sends the run's result value.
func (e *Emitter) Result(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return e.emit(&Message{Type: TypeResult, Data: data})
}

// Error reports a failure with an optional stack trace.
func (e *Emitter) Error(message, stack string) error {
	return e.emit(&Message{Type: TypeError, Message: message, Stack: stack})
}

func (e *Emitter) emit(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = fmt.Fprintf(e.w, "%s%s\n", Sentinel, data)
	return err
}
