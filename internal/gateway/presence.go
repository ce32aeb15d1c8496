package gateway

import (
	"sync"
	"time"
)

// PresenceEntry describes one connected principal.
type PresenceEntry struct {
	ConnID      string    `json:"connId"`
	ClientID    string    `json:"clientId,omitempty"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Role        string    `json:"role,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// PresenceSnapshot is the versioned view broadcast to clients.
type PresenceSnapshot struct {
	Entries      []PresenceEntry `json:"entries"`
	StateVersion int64           `json:"stateVersion"`
}

// Presence tracks connected principals. Every mutation bumps the state
// version; snapshots are consistent copies.
type Presence struct {
	mu      sync.Mutex
	entries map[string]PresenceEntry
	version int64
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{entries: make(map[string]PresenceEntry)}
}

// Add registers a connection and returns the new snapshot.
func (p *Presence) Add(entry PresenceEntry) PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entry.ConnID] = entry
	p.version++
	return p.snapshotLocked()
}

// Remove drops a connection and returns the new snapshot.
func (p *Presence) Remove(connID string) PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[connID]; ok {
		delete(p.entries, connID)
		p.version++
	}
	return p.snapshotLocked()
}

// Snapshot returns the current versioned view.
func (p *Presence) Snapshot() PresenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Presence) snapshotLocked() PresenceSnapshot {
	entries := make([]PresenceEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	return PresenceSnapshot{Entries: entries, StateVersion: p.version}
}
