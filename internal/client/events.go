package client

import "github.com/chatmesh/chatmesh/internal/protocol"

// Events is the callback surface through which the core pushes state changes
// to the interactive front end. Any nil field is skipped. Callbacks run on
// internal goroutines and must not block.
type Events struct {
	// ClientList fires when the server answers a registration with the
	// full membership listing.
	ClientList func(clients []protocol.ClientInfo)
	// Joined and Left fire on membership changes pushed by the server.
	Joined func(client protocol.ClientInfo)
	Left   func(name string)
	// Broadcast fires for every relayed chat message, including the echo
	// of our own.
	Broadcast func(text string)
	// ServerError fires when the server reports a tag-0 error.
	ServerError func(code protocol.ErrorCode)
	// Disconnected fires once when the server session ends. err is nil
	// after a local Disconnect.
	Disconnected func(err error)

	// PeerConnected fires when a rendezvous completes, in either role.
	PeerConnected func(name string)
	// PeerMessage fires for each direct chat message from a peer.
	PeerMessage func(name, text string)
	// PeerClosed fires when a direct session ends.
	PeerClosed func(name string)
	// RendezvousFailed fires when an invite times out or a dial fails.
	// Failures stay local; the remote peer is never told.
	RendezvousFailed func(name string, err error)
}

func (e *Events) clientList(clients []protocol.ClientInfo) {
	if e.ClientList != nil {
		e.ClientList(clients)
	}
}

func (e *Events) joined(client protocol.ClientInfo) {
	if e.Joined != nil {
		e.Joined(client)
	}
}

func (e *Events) left(name string) {
	if e.Left != nil {
		e.Left(name)
	}
}

func (e *Events) broadcast(text string) {
	if e.Broadcast != nil {
		e.Broadcast(text)
	}
}

func (e *Events) serverError(code protocol.ErrorCode) {
	if e.ServerError != nil {
		e.ServerError(code)
	}
}

func (e *Events) disconnected(err error) {
	if e.Disconnected != nil {
		e.Disconnected(err)
	}
}

func (e *Events) peerConnected(name string) {
	if e.PeerConnected != nil {
		e.PeerConnected(name)
	}
}

func (e *Events) peerMessage(name, text string) {
	if e.PeerMessage != nil {
		e.PeerMessage(name, text)
	}
}

func (e *Events) peerClosed(name string) {
	if e.PeerClosed != nil {
		e.PeerClosed(name)
	}
}

func (e *Events) rendezvousFailed(name string, err error) {
	if e.RendezvousFailed != nil {
		e.RendezvousFailed(name, err)
	}
}
