// Package server exposes the audit engine's status to observers: a
// JSON endpoint for the current persisted status and a websocket that
// streams every update as it happens.
package server

import (
	"sync"
	"time"

	"github.com/permsweep/permsweep/audit"
)

// Broadcaster fans status updates out to websocket clients. It also
// satisfies audit.Reporter, so it slots into the controller's reporter
// chain alongside the log and sqlite reporters.
type Broadcaster struct {
	clients map[string]chan *audit.Status
	mu      sync.RWMutex
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]chan *audit.Status)}
}

// RegisterClient registers a client to receive status updates.
// The channel should have adequate buffering to prevent blocking.
func (b *Broadcaster) RegisterClient(id string, ch chan *audit.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[id] = ch
}

// UnregisterClient removes a client
func (b *Broadcaster) UnregisterClient(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, id)
}

// Report sends the update to every registered client. A client whose
// channel is full misses this update rather than stalling the engine.
func (b *Broadcaster) Report(phase audit.Phase, message string, processed, total int) {
	status := &audit.Status{
		Phase:          phase,
		Message:        message,
		ItemsProcessed: processed,
		ItemsTotal:     total,
		ReportedAt:     time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.clients {
		select {
		case ch <- status:
		default:
			// Channel full - drop update
		}
	}
}

// ClientCount returns the number of connected clients
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
