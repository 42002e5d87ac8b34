// Package domain defines the core domain models for the rollout debugger.
package domain

// SessionStatus represents the status of a debugging session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "PENDING"
	SessionStatusRunning  SessionStatus = "RUNNING"
	SessionStatusFinished SessionStatus = "FINISHED"
	SessionStatusStopped  SessionStatus = "STOPPED"
)

// StreamEventType represents the type of an event emitted by the session stream.
type StreamEventType string

const (
	StreamEventHandshake        StreamEventType = "handshake"
	StreamEventHeartbeat        StreamEventType = "heartbeat"
	StreamEventRun              StreamEventType = "run"
	StreamEventStop             StreamEventType = "stop"
	StreamEventError            StreamEventType = "error"
	StreamEventReconnecting     StreamEventType = "reconnecting"
	StreamEventHeartbeatTimeout StreamEventType = "heartbeat_timeout"
)

// StreamState is the connection state of the session stream client.
type StreamState string

const (
	StreamStateIdle         StreamState = "idle"
	StreamStateConnecting   StreamState = "connecting"
	StreamStateConnected    StreamState = "connected"
	StreamStateReconnecting StreamState = "reconnecting"
	StreamStateShutdown     StreamState = "shutdown"
)

// RunEventType represents the type of an entry in the local run log.
type RunEventType string

const (
	RunEventStarted      RunEventType = "run_started"
	RunEventWorkerLog    RunEventType = "worker_log"
	RunEventWorkerResult RunEventType = "worker_result"
	RunEventWorkerError  RunEventType = "worker_error"
	RunEventFinished     RunEventType = "run_finished"
)
