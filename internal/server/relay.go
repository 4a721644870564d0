package server

import (
	"errors"
	"log"
	"unicode/utf8"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

// Broadcast reject reasons, reported back to the origin only.
var (
	ErrEmptyText   = errors.New("relay: broadcast text must not be empty")
	ErrInvalidUTF8 = errors.New("relay: broadcast text is not valid UTF-8")
)

// Relay fans membership and broadcast messages out to registered clients.
// Fan-out runs against a snapshot taken under the registry lock and then
// proceeds outside it; a connection that fails mid-fan-out is scheduled for
// removal through its own disconnect path and never aborts delivery to the
// remaining targets.
type Relay struct {
	registry *Registry
	metrics  *Metrics
}

// NewRelay creates a relay fanning out over the given registry.
func NewRelay(registry *Registry, metrics *Metrics) *Relay {
	return &Relay{registry: registry, metrics: metrics}
}

// NotifyJoined announces a newly registered record to every client except the
// new one.
func (rl *Relay) NotifyJoined(rec Record) {
	rl.fanOut(protocol.JoinedMessage{Client: rec.Info()}, rec.conn)
}

// NotifyLeft announces a departure to every remaining client. The departing
// connection has already been removed from the registry; excluding it here
// covers the explicit-disconnect case where it is briefly still writable.
func (rl *Relay) NotifyLeft(name string, departing handle) {
	rl.fanOut(protocol.LeftMessage{Name: name}, departing)
}

// Broadcast validates the text and relays it to every registered connection,
// including the origin: a sender sees its own message echoed back, like any
// other member of the room. Validation failures are returned to the caller
// for reporting to the origin alone.
func (rl *Relay) Broadcast(text string, origin handle) error {
	if text == "" {
		return ErrEmptyText
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}

	rl.metrics.Broadcasts.Inc()
	rl.fanOut(protocol.BroadcastMessage{Text: text}, nil)
	return nil
}

// fanOut encodes msg once and delivers it to every registered connection
// except the excluded one.
func (rl *Relay) fanOut(msg protocol.Message, except handle) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		// Only reachable if a registered name was corrupted in memory.
		log.Printf("relay: dropping undeliverable %T: %v", msg, err)
		return
	}

	targets := rl.registry.Snapshot()
	var failed []handle
	for _, rec := range targets {
		if rec.conn == except {
			continue
		}
		if rec.conn.deliver(msg, frame) {
			rl.metrics.Deliveries.Inc()
		} else {
			failed = append(failed, rec.conn)
		}
	}

	for _, conn := range failed {
		rl.metrics.DeliveryFailures.Inc()
		log.Printf("relay: dropping %s, outbound queue stalled", conn.remoteAddr())
		conn.kick()
	}
}
