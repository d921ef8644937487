package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connection is the server-side state of one live stream connection.
type Connection struct {
	// ID uniquely identifies this connection.
	ID string

	// Topic is the subscribed topic, a worker type or the wildcard.
	Topic string

	// Kind is "ws" or "sse".
	Kind string

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received or sent.
	LastActivity atomic.Value // time.Time

	sent atomic.Int64
}

// NewConnection creates a connection record.
func NewConnection(connID, topic, kind string, codec Codec) *Connection {
	now := time.Now().UTC()
	c := &Connection{
		ID:          connID,
		Topic:       topic,
		Kind:        kind,
		Codec:       codec,
		ConnectedAt: now,
	}
	c.LastActivity.Store(now)
	return c
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// Sent returns how many events were written to the connection.
func (c *Connection) Sent() int64 { return c.sent.Load() }

func (c *Connection) markSent() {
	c.sent.Add(1)
	c.Touch()
}

// ConnectionManager tracks active stream connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Get returns a connection by ID.
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
