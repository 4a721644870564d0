package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

// Config holds the client configuration.
type Config struct {
	// ServerAddr is the chat server's TCP address.
	ServerAddr string
	// UDPPort is the local invite endpoint port. Zero picks an ephemeral
	// port.
	UDPPort int
	// InviteTimeout bounds the wait for a peer to dial back after an
	// invite.
	InviteTimeout time.Duration
	// DialTimeout bounds the server dial and the dial back to an inviter.
	DialTimeout time.Duration
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = "localhost:7777"
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = 15 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Client is a chat client: the TCP session to the directory server, the UDP
// invite endpoint, and the rendezvous manager for direct peer sessions. The
// three run concurrently; the membership view and the session map are the
// only state they share.
type Client struct {
	cfg        Config
	events     *Events
	conn       net.Conn
	udp        *net.UDPConn
	members    *Membership
	rendezvous *Rendezvous

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the server, binds the UDP invite endpoint, and starts the
// receive loops. The caller registers afterwards with Register.
func Dial(cfg Config, events *Events) (*Client, error) {
	cfg.SetDefaults()
	if events == nil {
		events = &Events{}
	}

	conn, err := net.DialTimeout("tcp", cfg.ServerAddr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: cannot reach server at %s: %w", cfg.ServerAddr, err)
	}

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.UDPPort})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: cannot bind UDP port %d: %w", cfg.UDPPort, err)
	}

	members := NewMembership()
	c := &Client{
		cfg:     cfg,
		events:  events,
		conn:    conn,
		udp:     udp,
		members: members,
	}
	c.rendezvous = NewRendezvous("", members, events, udp, cfg.InviteTimeout, cfg.DialTimeout)

	go c.readLoop()
	go c.inviteLoop()

	log.Printf("connected to %s, invites on udp port %d", cfg.ServerAddr, c.UDPPort())
	return c, nil
}

// UDPPort returns the bound invite port, which Register advertises to the
// server.
func (c *Client) UDPPort() uint16 {
	return uint16(c.udp.LocalAddr().(*net.UDPAddr).Port)
}

// LocalIP returns the IPv4 address of this client as seen on the server
// connection.
func (c *Client) LocalIP() net.IP {
	return c.conn.LocalAddr().(*net.TCPAddr).IP
}

// Register announces this client to the server under the given name. The
// server answers asynchronously with either the client listing or a tag-0
// error, both surfaced through Events.
func (c *Client) Register(name string) error {
	frame, err := protocol.Encode(protocol.RegisterMessage{
		IP:      protocol.IPToUint32(c.LocalIP()),
		UDPPort: c.UDPPort(),
		Name:    name,
	})
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	c.rendezvous.setSelfName(name)
	return nil
}

// Broadcast sends chat text to the room. The server echoes it back to every
// registered client, this one included.
func (c *Client) Broadcast(text string) error {
	if text == "" {
		return errors.New("client: broadcast text must not be empty")
	}
	frame, err := protocol.Encode(protocol.BroadcastMessage{Text: text})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Disconnect sends the explicit goodbye and tears the client down.
func (c *Client) Disconnect() error {
	err := c.write(mustEncode(protocol.DisconnectMessage{}))
	c.teardown(nil)
	return err
}

// Members returns the current membership view.
func (c *Client) Members() []protocol.ClientInfo {
	return c.members.List()
}

// Invite starts a peer-to-peer handshake toward the named member.
func (c *Client) Invite(target string) error {
	return c.rendezvous.Invite(target)
}

// SendPeer sends text over the established direct session with target.
func (c *Client) SendPeer(target, text string) error {
	return c.rendezvous.Send(target, text)
}

// ClosePeer tears down the direct session with target.
func (c *Client) ClosePeer(target string) error {
	return c.rendezvous.Close(target)
}

// PeerStates reports rendezvous states by peer name.
func (c *Client) PeerStates() map[string]string {
	return c.rendezvous.States()
}

// Close tears down the server session, the invite endpoint, and every peer
// session.
func (c *Client) Close() {
	c.teardown(nil)
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(peerWriteWait)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// teardown closes every endpoint exactly once. Closing the connections makes
// both receive loops exit.
func (c *Client) teardown(err error) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		_ = c.udp.Close()
		c.rendezvous.CloseAll()
		c.events.disconnected(err)
	})
}

// readLoop consumes the server session: membership updates, broadcasts, and
// error reports.
func (c *Client) readLoop() {
	var loopErr error
	defer func() {
		c.teardown(loopErr)
	}()

	var framer protocol.Framer
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, ferr := framer.Feed(buf[:n])
			for _, msg := range msgs {
				c.handleServerMessage(msg)
			}
			if ferr != nil {
				loopErr = ferr
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				loopErr = err
			}
			return
		}
	}
}

func (c *Client) handleServerMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ClientListMessage:
		c.members.ReplaceAll(m.Clients)
		c.events.clientList(m.Clients)
	case protocol.JoinedMessage:
		c.members.Add(m.Client)
		c.events.joined(m.Client)
	case protocol.LeftMessage:
		c.members.Remove(m.Name)
		c.events.left(m.Name)
	case protocol.BroadcastMessage:
		c.events.broadcast(m.Text)
	case protocol.ErrorMessage:
		c.events.serverError(m.Code)
	default:
		log.Printf("server sent unexpected %T; ignoring", msg)
	}
}

// inviteLoop consumes the UDP endpoint. Each datagram is decoded on its own;
// anything but a complete invite is dropped, since UDP gives no way to
// report an error to the sender.
func (c *Client) inviteLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}

		msg, _, err := protocol.Decode(buf[:n])
		if err != nil {
			log.Printf("dropping malformed datagram from %s: %v", addr, err)
			continue
		}
		invite, ok := msg.(protocol.InviteMessage)
		if !ok {
			log.Printf("dropping unexpected %T datagram from %s", msg, addr)
			continue
		}
		c.rendezvous.OnInvite(addr.IP, invite.TCPPort, invite.Name)
	}
}

// mustEncode encodes fixed-shape messages whose encoding cannot fail.
func mustEncode(msg protocol.Message) []byte {
	frame, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	return frame
}
