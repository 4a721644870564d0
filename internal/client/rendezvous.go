package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/internal/protocol"
)

// Rendezvous failures reported to the local caller.
var (
	ErrUnknownPeer     = errors.New("rendezvous: peer is not in the membership list")
	ErrSessionExists   = errors.New("rendezvous: a session with this peer already exists")
	ErrNoActiveSession = errors.New("rendezvous: no established session with this peer")
)

// sessionState tracks one peer session through the rendezvous handshake.
type sessionState int

const (
	// stateInviting: the initiator opened its ephemeral listener but has
	// not sent the invite yet.
	stateInviting sessionState = iota
	// stateAwaitingPeerDial: the invite is out; waiting for the peer to
	// dial back, bounded by the invite timeout.
	stateAwaitingPeerDial
	// stateDialing: the receiver is dialing the initiator.
	stateDialing
	// stateConnected: the direct session is established in either role.
	stateConnected
	// stateFailed: terminal for this attempt. The session is dropped from
	// the map, so a later re-invite starts from scratch.
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateInviting:
		return "inviting"
	case stateAwaitingPeerDial:
		return "awaiting-peer-dial"
	case stateDialing:
		return "dialing"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Rendezvous turns connectionless invites into direct TCP sessions, in both
// the inviter and invitee roles. It keeps at most one PeerSession per remote
// identity; a second attempt toward a peer with a live session is rejected,
// never silently duplicated.
type Rendezvous struct {
	members       *Membership
	events        *Events
	udp           *net.UDPConn
	inviteTimeout time.Duration
	dialTimeout   time.Duration

	mu       sync.Mutex
	selfName string
	sessions map[string]*PeerSession
}

// NewRendezvous creates a rendezvous manager. selfName is the identity this
// client registered under, settable later via setSelfName since registration
// happens after dialing; udp is the endpoint invites are sent from.
func NewRendezvous(selfName string, members *Membership, events *Events, udp *net.UDPConn, inviteTimeout, dialTimeout time.Duration) *Rendezvous {
	return &Rendezvous{
		selfName:      selfName,
		members:       members,
		events:        events,
		udp:           udp,
		inviteTimeout: inviteTimeout,
		dialTimeout:   dialTimeout,
		sessions:      make(map[string]*PeerSession),
	}
}

// setSelfName records the identity this client registered under, carried in
// outgoing invites so the invitee knows who to dial.
func (r *Rendezvous) setSelfName(name string) {
	r.mu.Lock()
	r.selfName = name
	r.mu.Unlock()
}

// Invite starts the initiator handshake toward target: it opens an ephemeral
// TCP listener, sends the invite datagram carrying the listener's port and
// our own identity, and waits in the background for the peer to dial back.
// The membership lookup happens before any endpoint is opened, so an unknown
// peer costs nothing. The outcome arrives through PeerConnected or
// RendezvousFailed.
func (r *Rendezvous) Invite(target string) error {
	info, ok := r.members.Lookup(target)
	if !ok {
		return ErrUnknownPeer
	}

	r.mu.Lock()
	selfName := r.selfName
	if _, exists := r.sessions[target]; exists {
		r.mu.Unlock()
		return ErrSessionExists
	}

	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("rendezvous: cannot open listening endpoint: %w", err)
	}

	session := &PeerSession{name: target, state: stateInviting, listener: listener}
	r.sessions[target] = session
	r.mu.Unlock()

	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	frame, err := protocol.Encode(protocol.InviteMessage{TCPPort: port, Name: selfName})
	if err != nil {
		r.fail(session, err)
		return err
	}

	peerAddr := &net.UDPAddr{IP: protocol.Uint32ToIP(info.IP), Port: int(info.UDPPort)}
	if _, err := r.udp.WriteToUDP(frame, peerAddr); err != nil {
		err = fmt.Errorf("rendezvous: invite send failed: %w", err)
		r.fail(session, err)
		return err
	}

	r.setState(session, stateAwaitingPeerDial)
	log.Printf("invited %q at %s, listening on port %d", target, peerAddr, port)

	go r.awaitDial(session)
	return nil
}

// awaitDial accepts at most one incoming dial on the session's listener,
// bounded by the invite timeout, then closes the listener either way.
func (r *Rendezvous) awaitDial(session *PeerSession) {
	_ = session.listener.SetDeadline(time.Now().Add(r.inviteTimeout))
	conn, err := session.listener.AcceptTCP()
	_ = session.listener.Close()

	if err != nil {
		r.fail(session, fmt.Errorf("rendezvous: no dial from %q within %s: %w", session.name, r.inviteTimeout, err))
		return
	}
	r.establish(session, conn)
}

// OnInvite handles an arriving invite datagram: it immediately dials the
// sender's address on the advertised port. A dial failure stays local; the
// initiator only ever observes its own timeout.
func (r *Rendezvous) OnInvite(senderIP net.IP, tcpPort uint16, senderName string) {
	r.mu.Lock()
	if _, exists := r.sessions[senderName]; exists {
		r.mu.Unlock()
		log.Printf("ignoring invite from %q: a session already exists", senderName)
		return
	}
	session := &PeerSession{name: senderName, state: stateDialing}
	r.sessions[senderName] = session
	r.mu.Unlock()

	go func() {
		addr := net.JoinHostPort(senderIP.String(), strconv.Itoa(int(tcpPort)))
		conn, err := net.DialTimeout("tcp", addr, r.dialTimeout)
		if err != nil {
			r.fail(session, fmt.Errorf("rendezvous: dial back to %q at %s failed: %w", senderName, addr, err))
			return
		}
		r.establish(session, conn)
	}()
}

// establish binds a freshly accepted or dialed connection to its session and
// starts the read loop.
func (r *Rendezvous) establish(session *PeerSession, conn net.Conn) {
	r.mu.Lock()
	if r.sessions[session.name] != session || session.state == stateFailed {
		// The session was torn down while the handshake was in flight.
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	session.conn = conn
	session.state = stateConnected
	r.mu.Unlock()

	log.Printf("direct session with %q established (%s)", session.name, conn.RemoteAddr())
	r.events.peerConnected(session.name)
	go r.readLoop(session)
}

// Send writes a direct chat message to an established session.
func (r *Rendezvous) Send(target, text string) error {
	r.mu.Lock()
	session, ok := r.sessions[target]
	if !ok || session.state != stateConnected {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	r.mu.Unlock()

	frame, err := protocol.Encode(protocol.PeerTextMessage{Text: text})
	if err != nil {
		return err
	}
	return session.write(frame)
}

// Close tears down the session with target, if any. The peer observes a
// transport close.
func (r *Rendezvous) Close(target string) error {
	r.mu.Lock()
	session, ok := r.sessions[target]
	if !ok {
		r.mu.Unlock()
		return ErrNoActiveSession
	}
	if session.state != stateConnected {
		// Handshake still in flight; mark it failed so a late accept or
		// dial completion is discarded.
		session.state = stateFailed
		delete(r.sessions, target)
	}
	r.mu.Unlock()

	session.closeTransport()
	return nil
}

// CloseAll tears down every session, used on client shutdown.
func (r *Rendezvous) CloseAll() {
	r.mu.Lock()
	sessions := make([]*PeerSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		session.closeTransport()
	}
}

// States reports the current session states by peer name, for the UI.
func (r *Rendezvous) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.sessions))
	for name, session := range r.sessions {
		states[name] = session.state.String()
	}
	return states
}

func (r *Rendezvous) setState(session *PeerSession, state sessionState) {
	r.mu.Lock()
	if session.state != stateFailed {
		session.state = state
	}
	r.mu.Unlock()
}

// fail marks the session terminally failed, releases its endpoints, removes
// it from the map so the identity can be re-invited later, and reports the
// failure locally.
func (r *Rendezvous) fail(session *PeerSession, err error) {
	r.mu.Lock()
	session.state = stateFailed
	if r.sessions[session.name] == session {
		delete(r.sessions, session.name)
	}
	r.mu.Unlock()

	session.closeTransport()
	log.Printf("rendezvous with %q failed: %v", session.name, err)
	r.events.rendezvousFailed(session.name, err)
}

// readLoop reads direct chat messages until the session closes. Whatever
// ends the session, local teardown or remote close, converges here: the
// session leaves the map exactly once and PeerClosed fires exactly once.
func (r *Rendezvous) readLoop(session *PeerSession) {
	defer func() {
		session.closeTransport()
		r.mu.Lock()
		if r.sessions[session.name] == session {
			delete(r.sessions, session.name)
		}
		r.mu.Unlock()
		r.events.peerClosed(session.name)
	}()

	var framer protocol.Framer
	buf := make([]byte, 4096)
	for {
		n, err := session.conn.Read(buf)
		if n > 0 {
			msgs, ferr := framer.Feed(buf[:n])
			for _, msg := range msgs {
				text, ok := msg.(protocol.PeerTextMessage)
				if !ok {
					log.Printf("peer %q sent unexpected %T, closing session", session.name, msg)
					return
				}
				r.events.peerMessage(session.name, text.Text)
			}
			if ferr != nil {
				log.Printf("peer %q: %v", session.name, ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
