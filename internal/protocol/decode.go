package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortMessage reports that the buffer holds only a prefix of a message.
// Callers accumulate more bytes and retry; it is never fatal.
var ErrShortMessage = errors.New("protocol: incomplete message")

// ProtocolError reports bytes that can never become a valid message: an
// unknown tag or a length field that exceeds its limit. It is fatal to the
// connection that produced it.
type ProtocolError struct {
	Tag    byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: tag %d: %s", e.Tag, e.Reason)
}

// reader walks a byte buffer without ever trusting a length field beyond the
// bytes actually present. Every read either succeeds or flags the buffer as
// short.
type reader struct {
	buf   []byte
	pos   int
	short bool
}

func (r *reader) take(n int) []byte {
	if r.short || r.pos+n > len(r.buf) {
		r.short = true
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) clientInfo() ClientInfo {
	ip := r.uint32()
	port := r.uint16()
	nameLen := r.byte()
	name := r.take(int(nameLen))
	return ClientInfo{IP: ip, UDPPort: port, Name: string(name)}
}

// Decode attempts to read one complete message from the start of buf. On
// success it returns the message and the number of bytes it consumed. When
// buf holds only a prefix of a message it returns ErrShortMessage; callers
// keep the bytes and retry once more have arrived. When the leading byte is
// an unrecognized tag, or a length field exceeds its limit, it returns a
// *ProtocolError and the connection must not be read further.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrShortMessage
	}

	r := &reader{buf: buf, pos: 1}
	var msg Message

	switch Tag(buf[0]) {
	case TagError:
		msg = ErrorMessage{Code: ErrorCode(r.byte())}

	case TagRegister:
		info := r.clientInfo()
		msg = RegisterMessage{IP: info.IP, UDPPort: info.UDPPort, Name: info.Name}

	case TagClientList:
		count := r.uint32()
		if count > MaxListEntries {
			return nil, 0, &ProtocolError{Tag: buf[0], Reason: fmt.Sprintf("client list claims %d entries, limit is %d", count, MaxListEntries)}
		}
		clients := make([]ClientInfo, 0, count)
		for i := uint32(0); i < count && !r.short; i++ {
			clients = append(clients, r.clientInfo())
		}
		msg = ClientListMessage{Clients: clients}

	case TagJoined:
		msg = JoinedMessage{Client: r.clientInfo()}

	case TagLeft:
		nameLen := r.byte()
		msg = LeftMessage{Name: string(r.take(int(nameLen)))}

	case TagBroadcast:
		text, err := r.text(buf[0])
		if err != nil {
			return nil, 0, err
		}
		msg = BroadcastMessage{Text: text}

	case TagDisconnect:
		msg = DisconnectMessage{}

	case TagInvite:
		port := r.uint16()
		nameLen := r.byte()
		msg = InviteMessage{TCPPort: port, Name: string(r.take(int(nameLen)))}

	case TagPeerText:
		text, err := r.text(buf[0])
		if err != nil {
			return nil, 0, err
		}
		msg = PeerTextMessage{Text: text}

	default:
		return nil, 0, &ProtocolError{Tag: buf[0], Reason: "unknown tag"}
	}

	if r.short {
		return nil, 0, ErrShortMessage
	}
	return msg, r.pos, nil
}

func (r *reader) text(tag byte) (string, error) {
	textLen := r.uint32()
	if textLen > MaxTextLen {
		return "", &ProtocolError{Tag: tag, Reason: fmt.Sprintf("text claims %d bytes, limit is %d", textLen, MaxTextLen)}
	}
	return string(r.take(int(textLen))), nil
}
