package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

const writeWait = 10 * time.Second

// Client is one TCP chat connection. Outbound frames flow through a buffered
// send channel drained by writePump; inbound bytes are reassembled into
// messages by readPump. The connection owns no registry state directly: its
// record lives in the registry until teardown removes it.
type Client struct {
	srv     *Server
	conn    net.Conn
	send    chan []byte
	done    chan struct{}
	addr    string
	limiter *rateLimiter

	closeOnce sync.Once
}

func newClient(srv *Server, conn net.Conn) *Client {
	return &Client{
		srv:     srv,
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		addr:    conn.RemoteAddr().String(),
		limiter: newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval),
	}
}

// deliver enqueues one encoded frame without blocking. It fails when the
// connection is shutting down or its queue is full; the relay treats either
// as this connection's own disconnect.
func (c *Client) deliver(_ protocol.Message, frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// kick schedules teardown without waiting for it.
func (c *Client) kick() {
	c.shutdown()
}

func (c *Client) remoteAddr() string {
	return c.addr
}

// shutdown signals both pumps to stop. The write pump drains queued frames
// and closes the socket; the read pump then unblocks and runs teardown.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// teardown converges every disconnect path, explicit or transport-level, on
// exactly one registry removal and one departure notification.
func (c *Client) teardown() {
	c.shutdown()
	if rec, ok := c.srv.registry.Remove(c); ok {
		c.srv.metrics.ConnectedClients.Dec()
		c.srv.relay.NotifyLeft(rec.Name, c)
		log.Printf("client %q at %s disconnected. Total clients: %d", rec.Name, c.addr, c.srv.registry.Len())
	}
}

func (c *Client) readPump() {
	defer c.teardown()

	var framer protocol.Framer
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, ferr := framer.Feed(buf[:n])
			for _, msg := range msgs {
				if !c.handleMessage(msg) {
					return
				}
			}
			if ferr != nil {
				c.srv.metrics.ProtocolErrors.Inc()
				log.Printf("client %s: %v", c.addr, ferr)
				c.deliver(nil, mustEncode(protocol.ErrorMessage{Code: protocol.CodeUnknownTag}))
				return
			}
			if framer.Buffered() > int(c.srv.cfg.MaxMessageSize) {
				c.srv.metrics.ProtocolErrors.Inc()
				log.Printf("client %s exceeded the %d byte message limit", c.addr, c.srv.cfg.MaxMessageSize)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isExpectedCloseError(err) {
				log.Printf("client %s read error: %v", c.addr, err)
			}
			return
		}
	}
}

// handleMessage processes one inbound message and reports whether the
// connection should keep reading.
func (c *Client) handleMessage(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.RegisterMessage:
		c.handleRegister(m)
		return true

	case protocol.BroadcastMessage:
		if !c.limiter.allow() {
			log.Printf("client %s exceeded the broadcast rate limit; discarding message", c.addr)
			return true
		}
		if err := c.srv.relay.Broadcast(m.Text, c); err != nil {
			c.sendError(broadcastRejectCode(err))
		}
		return true

	case protocol.DisconnectMessage:
		return false

	default:
		// A kind the server never accepts, such as a server-to-client
		// listing or a peer chat message. Fatal to this connection.
		c.srv.metrics.ProtocolErrors.Inc()
		log.Printf("client %s sent unexpected %T", c.addr, msg)
		c.sendError(protocol.CodeUnknownTag)
		return false
	}
}

func (c *Client) handleRegister(m protocol.RegisterMessage) {
	if !utf8.ValidString(m.Name) {
		c.srv.metrics.RegistrationRejects.WithLabelValues("invalid_utf8").Inc()
		c.sendError(protocol.CodeInvalidUTF8)
		return
	}

	snapshot, err := c.srv.registry.Register(m.Name, m.IP, m.UDPPort, c)
	if err != nil {
		c.srv.metrics.RegistrationRejects.WithLabelValues(rejectReason(err)).Inc()
		c.sendError(registrationRejectCode(err))
		return
	}

	c.srv.metrics.Registrations.Inc()
	c.srv.metrics.ConnectedClients.Inc()

	infos := make([]protocol.ClientInfo, len(snapshot))
	for i, rec := range snapshot {
		infos[i] = rec.Info()
	}
	listing, err := protocol.Encode(protocol.ClientListMessage{Clients: infos})
	if err != nil {
		c.sendError(protocol.CodeBadClientList)
		return
	}
	c.deliver(nil, listing)

	c.srv.relay.NotifyJoined(snapshot[len(snapshot)-1])
	log.Printf("client %q registered from %s (udp %d). Total clients: %d", m.Name, c.addr, m.UDPPort, len(snapshot))
}

func (c *Client) sendError(code protocol.ErrorCode) {
	c.deliver(nil, mustEncode(protocol.ErrorMessage{Code: code}))
}

func (c *Client) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("client %s close error: %v", c.addr, err)
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				c.shutdown()
				return
			}
		case <-c.done:
			// Flush whatever is already queued, then close the socket,
			// which unblocks the read pump.
			for {
				select {
				case frame := <-c.send:
					if !c.writeFrame(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("client %s write deadline error: %v", c.addr, err)
		return false
	}
	if _, err := c.conn.Write(frame); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("client %s write error: %v", c.addr, err)
		}
		return false
	}
	return true
}

// mustEncode encodes fixed-shape messages whose encoding cannot fail.
func mustEncode(msg protocol.Message) []byte {
	frame, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	return frame
}

func registrationRejectCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrEmptyName):
		return protocol.CodeEmptyText
	case errors.Is(err, ErrDuplicateName):
		return protocol.CodeDuplicateName
	case errors.Is(err, ErrDuplicateAddress):
		return protocol.CodeDuplicateAddress
	}
	return protocol.CodeUnknownTag
}

func broadcastRejectCode(err error) protocol.ErrorCode {
	if errors.Is(err, ErrInvalidUTF8) {
		return protocol.CodeInvalidUTF8
	}
	return protocol.CodeEmptyText
}
