// Package hub fans worker activity out to websocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/rollout/internal/logging"
)

const sendBufferSize = 256

// Notice is the envelope pushed to every subscriber.
type Notice struct {
	Type  string      `json:"type"`
	RunID string      `json:"runId,omitempty"`
	Ts    int64       `json:"ts"`
	Data  interface{} `json:"data,omitempty"`
}

// Connection represents a single subscriber.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	mu   sync.Mutex
}

// Hub manages all subscriber connections.
type Hub struct {
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan []byte
	done       chan struct{}

	logger logging.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done. All
// subscriber send queues are closed on return.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for id, conn := range h.connections {
			close(conn.Send)
			delete(h.connections, id)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.logger.Debugf("feed subscriber connected: %s", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Debugf("feed subscriber disconnected: %s", conn.ID)

		case data := <-h.broadcast:
			h.mu.RLock()
			for id, conn := range h.connections {
				select {
				case conn.Send <- data:
				default:
					h.logger.Warnf("feed subscriber %s buffer full, dropping", id)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps a websocket connection for registration.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
	}
}

// Register registers a connection with the hub. It is a no-op once the hub stopped.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		close(conn.Send)
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast queues data for every subscriber without blocking the caller.
func (h *Hub) Broadcast(data []byte) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Broadcast(data)
}

// Publish broadcasts a notice stamped with the current time.
func (h *Hub) Publish(noticeType, runID string, data interface{}) error {
	return h.BroadcastJSON(&Notice{
		Type:  noticeType,
		RunID: runID,
		Ts:    time.Now().UnixMilli(),
		Data:  data,
	})
}

// ConnectionCount returns the number of active subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// BufferFullError is returned when a send queue is full.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrBufferFull is returned when the broadcast queue is full.
var ErrBufferFull = &BufferFullError{}

// ClosedError is returned after the hub stopped.
type ClosedError struct{}

func (e *ClosedError) Error() string {
	return "hub closed"
}

// ErrClosed is returned by Broadcast once Run has returned.
var ErrClosed = &ClosedError{}
