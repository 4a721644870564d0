package server

import (
	"net"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

// startTestServer runs a server on an ephemeral loopback port and tears it
// down with the test.
func startTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := NewConfig()
	cfg.BindAddr = "127.0.0.1:0"
	// Generous limits so rate limiting never interferes with these tests.
	cfg.RateLimit.Burst = 1000

	srv := New(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
	})
	return srv
}

// wireClient is a raw protocol client for exercising the server over real
// TCP.
type wireClient struct {
	t      *testing.T
	conn   net.Conn
	framer protocol.Framer
	queue  []protocol.Message
}

func dialWire(t *testing.T, srv *Server) *wireClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wireClient{t: t, conn: conn}
}

func (w *wireClient) send(msg protocol.Message) {
	w.t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		w.t.Fatalf("Encode(%#v) error = %v", msg, err)
	}
	if _, err := w.conn.Write(frame); err != nil {
		w.t.Fatalf("write error = %v", err)
	}
}

// next returns the next message from the server, waiting up to two seconds.
func (w *wireClient) next() protocol.Message {
	w.t.Helper()
	if len(w.queue) > 0 {
		msg := w.queue[0]
		w.queue = w.queue[1:]
		return msg
	}

	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := w.conn.SetReadDeadline(deadline); err != nil {
			w.t.Fatalf("deadline error = %v", err)
		}
		n, err := w.conn.Read(buf)
		if n > 0 {
			msgs, ferr := w.framer.Feed(buf[:n])
			if ferr != nil {
				w.t.Fatalf("framer error = %v", ferr)
			}
			w.queue = append(w.queue, msgs...)
			if len(w.queue) > 0 {
				msg := w.queue[0]
				w.queue = w.queue[1:]
				return msg
			}
		}
		if err != nil {
			w.t.Fatalf("read error = %v", err)
		}
	}
}

// expectClosed asserts the server closes the connection.
func (w *wireClient) expectClosed() {
	w.t.Helper()
	_ = w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			if _, ferr := w.framer.Feed(buf[:n]); ferr != nil {
				w.t.Fatalf("framer error while draining = %v", ferr)
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *wireClient) register(name string, udpPort uint16) {
	w.t.Helper()
	w.send(protocol.RegisterMessage{IP: 0x7F000001, UDPPort: udpPort, Name: name})
}

// TestRegistrationExchange walks the canonical two-client scenario: Alice
// registers and gets a one-entry listing, Bob registers, Alice is told about
// the join, Bob broadcasts and both clients receive the echo.
func TestRegistrationExchange(t *testing.T) {
	srv := startTestServer(t)

	alice := dialWire(t, srv)
	alice.register("Alice", 30000)

	listing, ok := alice.next().(protocol.ClientListMessage)
	if !ok {
		t.Fatal("Alice did not receive a client listing")
	}
	if len(listing.Clients) != 1 {
		t.Fatalf("listing has %d entries, want 1", len(listing.Clients))
	}
	want := protocol.ClientInfo{IP: 0x7F000001, UDPPort: 30000, Name: "Alice"}
	if listing.Clients[0] != want {
		t.Fatalf("listing[0] = %#v, want %#v", listing.Clients[0], want)
	}

	bob := dialWire(t, srv)
	bob.register("Bob", 30001)

	bobListing, ok := bob.next().(protocol.ClientListMessage)
	if !ok {
		t.Fatal("Bob did not receive a client listing")
	}
	if len(bobListing.Clients) != 2 || bobListing.Clients[0].Name != "Alice" || bobListing.Clients[1].Name != "Bob" {
		t.Fatalf("Bob's listing = %#v, want [Alice Bob]", bobListing.Clients)
	}

	joined, ok := alice.next().(protocol.JoinedMessage)
	if !ok || joined.Client.Name != "Bob" {
		t.Fatalf("Alice received %#v, want JoinedMessage{Bob}", joined)
	}

	bob.send(protocol.BroadcastMessage{Text: "hello"})
	for name, w := range map[string]*wireClient{"Alice": alice, "Bob": bob} {
		msg := w.next()
		if bc, ok := msg.(protocol.BroadcastMessage); !ok || bc.Text != "hello" {
			t.Errorf("%s received %#v, want BroadcastMessage{hello}", name, msg)
		}
	}
}

// TestRegistrationConflictsAreRetryable verifies that a duplicate name is
// rejected with the right error code while the connection stays usable for
// another attempt.
func TestRegistrationConflictsAreRetryable(t *testing.T) {
	srv := startTestServer(t)

	alice := dialWire(t, srv)
	alice.register("Alice", 30000)
	if _, ok := alice.next().(protocol.ClientListMessage); !ok {
		t.Fatal("Alice did not receive a client listing")
	}

	intruder := dialWire(t, srv)
	intruder.register("Alice", 30500)
	if errMsg, ok := intruder.next().(protocol.ErrorMessage); !ok || errMsg.Code != protocol.CodeDuplicateName {
		t.Fatalf("duplicate name answer = %#v, want ErrorMessage{CodeDuplicateName}", errMsg)
	}

	intruder.register("Alice", 30000)
	if errMsg, ok := intruder.next().(protocol.ErrorMessage); !ok || errMsg.Code != protocol.CodeDuplicateAddress {
		t.Fatalf("duplicate address answer = %#v, want ErrorMessage{CodeDuplicateAddress}", errMsg)
	}

	// Same connection, fresh parameters.
	intruder.register("Carol", 30501)
	listing, ok := intruder.next().(protocol.ClientListMessage)
	if !ok || len(listing.Clients) != 2 {
		t.Fatalf("retry answer = %#v, want a two-entry listing", listing)
	}
}

// TestExplicitDisconnect verifies the tag-7 path: the departing client is
// removed once and everyone else gets exactly one departure notification.
func TestExplicitDisconnect(t *testing.T) {
	srv := startTestServer(t)

	alice := dialWire(t, srv)
	alice.register("Alice", 30000)
	alice.next() // listing

	bob := dialWire(t, srv)
	bob.register("Bob", 30001)
	bob.next()   // listing
	alice.next() // joined

	bob.send(protocol.DisconnectMessage{})

	left, ok := alice.next().(protocol.LeftMessage)
	if !ok || left.Name != "Bob" {
		t.Fatalf("Alice received %#v, want LeftMessage{Bob}", left)
	}
	bob.expectClosed()

	waitFor(t, func() bool { return srv.Registry().Len() == 1 })
}

// TestTransportCloseActsLikeDisconnect verifies that dropping the socket
// converges on the same removal and notification as an explicit disconnect.
func TestTransportCloseActsLikeDisconnect(t *testing.T) {
	srv := startTestServer(t)

	alice := dialWire(t, srv)
	alice.register("Alice", 30000)
	alice.next()

	bob := dialWire(t, srv)
	bob.register("Bob", 30001)
	bob.next()
	alice.next()

	_ = bob.conn.Close()

	left, ok := alice.next().(protocol.LeftMessage)
	if !ok || left.Name != "Bob" {
		t.Fatalf("Alice received %#v, want LeftMessage{Bob}", left)
	}
	waitFor(t, func() bool { return srv.Registry().Len() == 1 })
}

// TestUnknownTagIsFatal verifies that an unrecognized leading byte draws a
// tag-0 error and closes the connection, and that a registered offender is
// removed.
func TestUnknownTagIsFatal(t *testing.T) {
	srv := startTestServer(t)

	alice := dialWire(t, srv)
	alice.register("Alice", 30000)
	alice.next()

	if _, err := alice.conn.Write([]byte{0xAA, 0x01, 0x02}); err != nil {
		t.Fatalf("write error = %v", err)
	}

	if errMsg, ok := alice.next().(protocol.ErrorMessage); !ok || errMsg.Code != protocol.CodeUnknownTag {
		t.Fatalf("answer = %#v, want ErrorMessage{CodeUnknownTag}", errMsg)
	}
	alice.expectClosed()
	waitFor(t, func() bool { return srv.Registry().Len() == 0 })
}

// TestEmptyBroadcastRejectedToOriginOnly verifies the origin-only error
// report for an invalid broadcast.
func TestEmptyBroadcastRejectedToOriginOnly(t *testing.T) {
	srv := startTestServer(t)

	alice := dialWire(t, srv)
	alice.register("Alice", 30000)
	alice.next()

	bob := dialWire(t, srv)
	bob.register("Bob", 30001)
	bob.next()
	alice.next()

	bob.send(protocol.BroadcastMessage{Text: ""})
	if errMsg, ok := bob.next().(protocol.ErrorMessage); !ok || errMsg.Code != protocol.CodeEmptyText {
		t.Fatalf("Bob received %#v, want ErrorMessage{CodeEmptyText}", errMsg)
	}

	// Alice must see nothing from the rejected broadcast. A follow-up
	// valid broadcast is the fence: it must be the very next message.
	bob.send(protocol.BroadcastMessage{Text: "fence"})
	if bc, ok := alice.next().(protocol.BroadcastMessage); !ok || bc.Text != "fence" {
		t.Fatalf("Alice received %#v, want BroadcastMessage{fence}", bc)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within 2s")
}

// TestShutdownClosesClients verifies that Shutdown tears down established
// connections and returns before its timeout.
func TestShutdownClosesClients(t *testing.T) {
	cfg := NewConfig()
	cfg.BindAddr = "127.0.0.1:0"
	srv := New(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() { _ = srv.Serve() }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := srv.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown() took %s, want prompt teardown", elapsed)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Error("connection still open after Shutdown")
	}
}
