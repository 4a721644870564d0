// Package server implements the chat directory server: the registry of
// connected clients, the broadcast relay, the TCP connection handling, and
// the HTTP surface (health, telemetry, WebSocket bridge).
package server

import (
	"errors"
	"sync"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

// handle is the connection-side surface the registry and relay see. Both the
// TCP client and the WebSocket bridge client implement it.
type handle interface {
	// deliver enqueues one outbound message without blocking. The encoded
	// frame is shared across the fan-out; bridge clients use the typed
	// message instead. A false return means the connection cannot keep up
	// or is closed, and the caller schedules it for removal.
	deliver(msg protocol.Message, frame []byte) bool
	// kick tears the connection down through its normal disconnect path.
	kick()
	remoteAddr() string
}

// Record is one registered client. Records are immutable once created;
// removal by handle is the only mutation the registry allows.
type Record struct {
	Name    string
	IP      uint32
	UDPPort uint16
	conn    handle
}

// Info returns the record's wire representation.
func (r Record) Info() protocol.ClientInfo {
	return protocol.ClientInfo{IP: r.IP, UDPPort: r.UDPPort, Name: r.Name}
}

// Registration reject reasons.
var (
	ErrEmptyName        = errors.New("registry: name must not be empty")
	ErrDuplicateName    = errors.New("registry: name already registered")
	ErrDuplicateAddress = errors.New("registry: (ip, udpPort) already registered")
)

type addrKey struct {
	ip      uint32
	udpPort uint16
}

// Registry is the single source of truth for who is currently connected. It
// is the one mutual-exclusion domain in the server: Register, Remove, and
// Snapshot serialize against each other so that every snapshot reflects a
// consistent point in time.
type Registry struct {
	mu      sync.Mutex
	records []Record
	byName  map[string]struct{}
	byAddr  map[addrKey]struct{}
	byConn  map[handle]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]struct{}),
		byAddr: make(map[addrKey]struct{}),
		byConn: make(map[handle]int),
	}
}

// Register inserts a new record. It rejects an empty name, a name already in
// use, and an (ip, udpPort) pair already in use, leaving the registry
// untouched in every reject case. On success it returns an insertion-ordered
// snapshot of all registered records, including the new one.
func (reg *Registry) Register(name string, ip uint32, udpPort uint16, conn handle) ([]Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if name == "" {
		return nil, ErrEmptyName
	}
	key := addrKey{ip: ip, udpPort: udpPort}
	if _, taken := reg.byAddr[key]; taken {
		return nil, ErrDuplicateAddress
	}
	if _, taken := reg.byName[name]; taken {
		return nil, ErrDuplicateName
	}
	if _, registered := reg.byConn[conn]; registered {
		// One registration per connection; a second attempt on the same
		// connection is a duplicate of its own name or address anyway.
		return nil, ErrDuplicateAddress
	}

	reg.records = append(reg.records, Record{Name: name, IP: ip, UDPPort: udpPort, conn: conn})
	reg.byName[name] = struct{}{}
	reg.byAddr[key] = struct{}{}
	reg.byConn[conn] = len(reg.records) - 1

	return reg.snapshotLocked(), nil
}

// Remove deletes the record owned by conn. It is idempotent: removing a
// connection that holds no record is a no-op returning false. Both the
// explicit disconnect message and a transport-level close funnel into this
// one call, so exactly one removal happens per registration.
func (reg *Registry) Remove(conn handle) (Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	idx, ok := reg.byConn[conn]
	if !ok {
		return Record{}, false
	}

	rec := reg.records[idx]
	reg.records = append(reg.records[:idx], reg.records[idx+1:]...)
	delete(reg.byName, rec.Name)
	delete(reg.byAddr, addrKey{ip: rec.IP, udpPort: rec.UDPPort})
	delete(reg.byConn, conn)
	for i := idx; i < len(reg.records); i++ {
		reg.byConn[reg.records[i].conn] = i
	}

	return rec, true
}

// Snapshot returns the registered records in insertion order.
func (reg *Registry) Snapshot() []Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.snapshotLocked()
}

// Len reports how many clients are currently registered.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.records)
}

func (reg *Registry) snapshotLocked() []Record {
	return append([]Record(nil), reg.records...)
}
