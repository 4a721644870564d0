// Package client implements the chat client core: the session to the
// directory server, the local membership view, and the peer-to-peer
// rendezvous handshake. The interactive shell in cmd/client is a thin
// consumer of this package.
package client

import (
	"sync"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

// Membership is the locally held view of who is registered with the server.
// It is written by the server session (listing, joined, left messages) and
// read by the UI and by rendezvous invites, so access is serialized.
type Membership struct {
	mu      sync.RWMutex
	entries []protocol.ClientInfo
	byName  map[string]protocol.ClientInfo
}

// NewMembership creates an empty membership view.
func NewMembership() *Membership {
	return &Membership{byName: make(map[string]protocol.ClientInfo)}
}

// ReplaceAll installs a fresh listing, discarding the previous view.
func (m *Membership) ReplaceAll(clients []protocol.ClientInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries[:0], clients...)
	m.byName = make(map[string]protocol.ClientInfo, len(clients))
	for _, c := range clients {
		m.byName[c.Name] = c
	}
}

// Add records one newly joined client.
func (m *Membership) Add(c protocol.ClientInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[c.Name]; exists {
		return
	}
	m.entries = append(m.entries, c)
	m.byName[c.Name] = c
}

// Remove forgets a departed client.
func (m *Membership) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; !exists {
		return
	}
	delete(m.byName, name)
	for i, c := range m.entries {
		if c.Name == name {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
}

// Lookup returns the record for a name, if present.
func (m *Membership) Lookup(name string) (protocol.ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[name]
	return c, ok
}

// List returns the current view in server order.
func (m *Membership) List() []protocol.ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ClientInfo(nil), m.entries...)
}
