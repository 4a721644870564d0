package client

import (
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/internal/protocol"
	"github.com/chatmesh/chatmesh/internal/server"
)

// serverEvents collects directory-session callbacks on channels.
type serverEvents struct {
	listings  chan []protocol.ClientInfo
	joins     chan protocol.ClientInfo
	leaves    chan string
	texts     chan string
	errors    chan protocol.ErrorCode
	gone      chan struct{}
	connected chan string
	messages  chan [2]string
}

func newServerEvents() (*serverEvents, *Events) {
	rec := &serverEvents{
		listings:  make(chan []protocol.ClientInfo, 8),
		joins:     make(chan protocol.ClientInfo, 8),
		leaves:    make(chan string, 8),
		texts:     make(chan string, 8),
		errors:    make(chan protocol.ErrorCode, 8),
		gone:      make(chan struct{}, 1),
		connected: make(chan string, 8),
		messages:  make(chan [2]string, 8),
	}
	events := &Events{
		ClientList:    func(clients []protocol.ClientInfo) { rec.listings <- clients },
		Joined:        func(c protocol.ClientInfo) { rec.joins <- c },
		Left:          func(name string) { rec.leaves <- name },
		Broadcast:     func(text string) { rec.texts <- text },
		ServerError:   func(code protocol.ErrorCode) { rec.errors <- code },
		Disconnected:  func(error) { close(rec.gone) },
		PeerConnected: func(name string) { rec.connected <- name },
		PeerMessage:   func(name, text string) { rec.messages <- [2]string{name, text} },
	}
	return rec, events
}

func startDirectory(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.NewConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.RateLimit.Burst = 1000

	srv := server.New(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })
	return srv
}

func dialAndRegister(t *testing.T, srv *server.Server, name string) (*Client, *serverEvents) {
	t.Helper()
	rec, events := newServerEvents()
	c, err := Dial(Config{ServerAddr: srv.Addr().String()}, events)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.Register(name); err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
	recv(t, rec.listings, name+"'s client listing")
	return c, rec
}

// TestClientSession runs two clients against a real directory server:
// registration, join notification, broadcast echo, and departure.
func TestClientSession(t *testing.T) {
	srv := startDirectory(t)

	alice, aliceRec := dialAndRegister(t, srv, "Alice")
	bob, bobRec := dialAndRegister(t, srv, "Bob")

	joined := recv(t, aliceRec.joins, "Alice's join notification")
	if joined.Name != "Bob" {
		t.Fatalf("Alice saw %q join, want Bob", joined.Name)
	}
	if members := alice.Members(); len(members) != 2 || members[1].Name != "Bob" {
		t.Fatalf("Alice's Members() = %v, want [Alice Bob]", members)
	}

	if err := bob.Broadcast("hello"); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if text := recv(t, aliceRec.texts, "Alice's broadcast"); text != "hello" {
		t.Fatalf("Alice received %q, want hello", text)
	}
	if text := recv(t, bobRec.texts, "Bob's own echo"); text != "hello" {
		t.Fatalf("Bob received %q, want his own echo", text)
	}

	if err := bob.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	recv(t, bobRec.gone, "Bob's Disconnected event")
	if left := recv(t, aliceRec.leaves, "Alice's leave notification"); left != "Bob" {
		t.Fatalf("Alice saw %q leave, want Bob", left)
	}
	if members := alice.Members(); len(members) != 1 {
		t.Fatalf("Alice's Members() = %v, want just Alice", members)
	}
}

// TestClientRegistrationRejected verifies a tag-0 error surfaces through the
// ServerError event and leaves the session usable for a retry.
func TestClientRegistrationRejected(t *testing.T) {
	srv := startDirectory(t)

	_, _ = dialAndRegister(t, srv, "Alice")

	rec, events := newServerEvents()
	c, err := Dial(Config{ServerAddr: srv.Addr().String()}, events)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.Register("Alice"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if code := recv(t, rec.errors, "rejection code"); code != protocol.CodeDuplicateName {
		t.Fatalf("ServerError code = %v, want CodeDuplicateName", code)
	}

	if err := c.Register("Carol"); err != nil {
		t.Fatalf("retry Register() error = %v", err)
	}
	listing := recv(t, rec.listings, "Carol's listing")
	if len(listing) != 2 {
		t.Fatalf("listing = %v, want two entries", listing)
	}
}

// TestClientRendezvousThroughDirectory drives the full stack: both clients
// learn each other through the server, then invite, dial back, and chat
// directly, all over real sockets.
func TestClientRendezvousThroughDirectory(t *testing.T) {
	srv := startDirectory(t)

	alice, aliceRec := dialAndRegister(t, srv, "Alice")
	_, bobRec := dialAndRegister(t, srv, "Bob")
	recv(t, aliceRec.joins, "Alice's join notification")

	if err := alice.Invite("Bob"); err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	if name := recv(t, aliceRec.connected, "Alice's PeerConnected"); name != "Bob" {
		t.Fatalf("Alice connected to %q, want Bob", name)
	}
	if name := recv(t, bobRec.connected, "Bob's PeerConnected"); name != "Alice" {
		t.Fatalf("Bob connected to %q, want Alice", name)
	}

	if err := alice.SendPeer("Bob", "psst"); err != nil {
		t.Fatalf("SendPeer() error = %v", err)
	}
	if got := recv(t, bobRec.messages, "Bob's direct message"); got != [2]string{"Alice", "psst"} {
		t.Fatalf("Bob received %v, want [Alice psst]", got)
	}
	if state := alice.PeerStates()["Bob"]; state != "connected" {
		t.Fatalf("PeerStates()[Bob] = %q, want connected", state)
	}
}

// TestClientBroadcastEmptyTextRejectedLocally verifies the local guard, so
// an obviously invalid broadcast never reaches the wire.
func TestClientBroadcastEmptyTextRejectedLocally(t *testing.T) {
	srv := startDirectory(t)
	alice, _ := dialAndRegister(t, srv, "Alice")

	if err := alice.Broadcast(""); err == nil {
		t.Fatal("Broadcast(\"\") returned nil error")
	}
}
