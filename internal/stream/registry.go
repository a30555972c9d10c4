// Package stream serves session turns over websockets.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conn is the part of a websocket connection the registry needs.
type Conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// Registry tracks the live connection of each client on each session. A
// client that reconnects to a session replaces its previous connection.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]map[string]Conn)}
}

// Active returns the live connection of a client on a session.
func (m *Registry) Active(sessionID, clientID string) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID][clientID]
}

// Count returns the number of live connections on a session.
func (m *Registry) Count(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[sessionID])
}

// Register adds a connection, closing the one it replaces.
func (m *Registry) Register(sessionID, clientID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[sessionID]; !ok {
		m.active[sessionID] = make(map[string]Conn)
	}
	if existing, ok := m.active[sessionID][clientID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	m.active[sessionID][clientID] = conn
	slog.Debug("Stream connection registered", "session_id", sessionID, "client_id", clientID)
}

// Unregister removes a connection unless it has already been replaced.
func (m *Registry) Unregister(sessionID, clientID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients, ok := m.active[sessionID]
	if !ok {
		return
	}
	if current, ok := clients[clientID]; ok && current == conn {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(m.active, sessionID)
		}
		slog.Debug("Stream connection unregistered", "session_id", sessionID, "client_id", clientID)
	}
}

// CloseSession terminates every connection on a session.
func (m *Registry) CloseSession(sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.active[sessionID] {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
	delete(m.active, sessionID)
}

// CloseAll terminates every connection, used on shutdown.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, clients := range m.active {
		for _, conn := range clients {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, sessionID)
	}
}
