package client

import (
	"net"
	"sync"
	"time"
)

const peerWriteWait = 10 * time.Second

// PeerSession is one direct connection to a named peer, keyed by the remote
// identity in the rendezvous map. Its state field is guarded by the
// rendezvous mutex; the write mutex serializes concurrent Sends on the
// established connection.
type PeerSession struct {
	name     string
	state    sessionState
	listener *net.TCPListener
	conn     net.Conn

	writeMu sync.Mutex
}

func (s *PeerSession) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(peerWriteWait)); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

// closeTransport releases whatever endpoints the session holds. Safe to call
// more than once and from any state.
func (s *PeerSession) closeTransport() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
