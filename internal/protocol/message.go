// Package protocol implements the binary wire format shared by the chat
// server, the TCP client, and the peer-to-peer sessions.
//
// Every message starts with a one-byte tag. All multi-byte integers are
// big-endian. Variable-length fields carry an explicit length prefix: one
// byte for display names, four bytes for chat text. There is no
// delimiter-based framing; message boundaries fall out of the lengths alone.
package protocol

import "net"

// Tag identifies a message kind on the wire. It is always the first byte of
// an encoded message.
type Tag byte

const (
	TagError      Tag = 0 // server -> client, one error code byte
	TagRegister   Tag = 1 // client -> server, ip + udpPort + name
	TagClientList Tag = 2 // server -> client, full membership listing
	TagJoined     Tag = 4 // server -> client, one newly joined record
	TagLeft       Tag = 5 // server -> client, departed identity
	TagBroadcast  Tag = 6 // both directions, chat text
	TagDisconnect Tag = 7 // client -> server, no payload
	TagInvite     Tag = 8 // client -> client over UDP, rendezvous invite
	TagPeerText   Tag = 9 // client -> client over a direct session
)

// Tag 3 was never assigned; decoding it is a protocol error like any other
// unknown tag.

// ErrorCode is the payload byte of a TagError message.
type ErrorCode byte

const (
	CodeUnknownTag       ErrorCode = 0
	CodeDuplicateAddress ErrorCode = 1
	CodeDuplicateName    ErrorCode = 2
	CodeEmptyText        ErrorCode = 3
	CodeInvalidUTF8      ErrorCode = 4
	CodeBadClientList    ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnknownTag:
		return "unrecognized message kind"
	case CodeDuplicateAddress:
		return "(ip, udpPort) already registered"
	case CodeDuplicateName:
		return "name already registered"
	case CodeEmptyText:
		return "empty text or name"
	case CodeInvalidUTF8:
		return "text is not valid UTF-8"
	case CodeBadClientList:
		return "malformed client list"
	}
	return "unknown error code"
}

// ClientInfo is one membership record as it appears inside TagClientList and
// TagJoined payloads: a 32-bit IPv4 address, the client's UDP invite port,
// and its display name.
type ClientInfo struct {
	IP      uint32
	UDPPort uint16
	Name    string
}

// Message is the tagged variant over every wire message kind.
type Message interface {
	WireTag() Tag
}

// ErrorMessage reports a protocol or registration error to a client.
type ErrorMessage struct {
	Code ErrorCode
}

// RegisterMessage asks the server to add the sender to the membership list.
// The IP and UDP port are supplied by the client and used by peers to send
// rendezvous invites.
type RegisterMessage struct {
	IP      uint32
	UDPPort uint16
	Name    string
}

// ClientListMessage answers a successful registration with the full ordered
// membership listing, including the new client itself.
type ClientListMessage struct {
	Clients []ClientInfo
}

// JoinedMessage announces one newly registered client to everyone else.
type JoinedMessage struct {
	Client ClientInfo
}

// LeftMessage announces that the named client disconnected.
type LeftMessage struct {
	Name string
}

// BroadcastMessage carries chat text, client to server and server to all
// clients.
type BroadcastMessage struct {
	Text string
}

// DisconnectMessage is the explicit goodbye from a client. No payload.
type DisconnectMessage struct{}

// InviteMessage is the connectionless rendezvous invite: the initiator's
// ephemeral TCP listening port and its display name. The invitee dials back
// to the datagram's source address on that port.
type InviteMessage struct {
	TCPPort uint16
	Name    string
}

// PeerTextMessage carries chat text over an established direct session.
type PeerTextMessage struct {
	Text string
}

func (ErrorMessage) WireTag() Tag      { return TagError }
func (RegisterMessage) WireTag() Tag   { return TagRegister }
func (ClientListMessage) WireTag() Tag { return TagClientList }
func (JoinedMessage) WireTag() Tag     { return TagJoined }
func (LeftMessage) WireTag() Tag       { return TagLeft }
func (BroadcastMessage) WireTag() Tag  { return TagBroadcast }
func (DisconnectMessage) WireTag() Tag { return TagDisconnect }
func (InviteMessage) WireTag() Tag     { return TagInvite }
func (PeerTextMessage) WireTag() Tag   { return TagPeerText }

// IPToUint32 converts an IPv4 address to its 32-bit wire representation.
// Non-IPv4 addresses map to zero.
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// Uint32ToIP converts a 32-bit wire address back to a net.IP.
func Uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
