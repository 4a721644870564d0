package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Field constraints enforced by Encode. Decode enforces the same name and
// list limits plus MaxTextLen as an allocation cap.
const (
	MaxNameLen     = 255
	MaxTextLen     = 1 << 20
	MaxListEntries = 10000
)

// EncodingError reports an input that violates a field constraint, such as an
// oversized name or text that is not valid UTF-8.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("protocol: cannot encode %s: %s", e.Field, e.Reason)
}

func checkName(name string) error {
	if len(name) == 0 {
		return &EncodingError{Field: "name", Reason: "must not be empty"}
	}
	if len(name) > MaxNameLen {
		return &EncodingError{Field: "name", Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(name), MaxNameLen)}
	}
	if !utf8.ValidString(name) {
		return &EncodingError{Field: "name", Reason: "not valid UTF-8"}
	}
	return nil
}

func checkText(text string) error {
	if len(text) > MaxTextLen {
		return &EncodingError{Field: "text", Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(text), MaxTextLen)}
	}
	if !utf8.ValidString(text) {
		return &EncodingError{Field: "text", Reason: "not valid UTF-8"}
	}
	return nil
}

func appendClientInfo(buf []byte, c ClientInfo) []byte {
	buf = binary.BigEndian.AppendUint32(buf, c.IP)
	buf = binary.BigEndian.AppendUint16(buf, c.UDPPort)
	buf = append(buf, byte(len(c.Name)))
	return append(buf, c.Name...)
}

func appendText(buf []byte, text string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(text)))
	return append(buf, text...)
}

// Encode serializes a message to its wire form. It fails only when a field
// violates a constraint: a missing, oversized, or non-UTF-8 name, non-UTF-8
// or oversized text, or a client list with too many entries.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case ErrorMessage:
		return []byte{byte(TagError), byte(msg.Code)}, nil

	case RegisterMessage:
		if err := checkName(msg.Name); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+4+2+1+len(msg.Name))
		buf = append(buf, byte(TagRegister))
		return appendClientInfo(buf, ClientInfo{IP: msg.IP, UDPPort: msg.UDPPort, Name: msg.Name}), nil

	case ClientListMessage:
		if len(msg.Clients) > MaxListEntries {
			return nil, &EncodingError{Field: "client list", Reason: fmt.Sprintf("%d entries exceeds the %d entry limit", len(msg.Clients), MaxListEntries)}
		}
		buf := []byte{byte(TagClientList)}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Clients)))
		for _, c := range msg.Clients {
			if err := checkName(c.Name); err != nil {
				return nil, err
			}
			buf = appendClientInfo(buf, c)
		}
		return buf, nil

	case JoinedMessage:
		if err := checkName(msg.Client.Name); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+4+2+1+len(msg.Client.Name))
		buf = append(buf, byte(TagJoined))
		return appendClientInfo(buf, msg.Client), nil

	case LeftMessage:
		if err := checkName(msg.Name); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+1+len(msg.Name))
		buf = append(buf, byte(TagLeft), byte(len(msg.Name)))
		return append(buf, msg.Name...), nil

	case BroadcastMessage:
		if err := checkText(msg.Text); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+4+len(msg.Text))
		buf = append(buf, byte(TagBroadcast))
		return appendText(buf, msg.Text), nil

	case DisconnectMessage:
		return []byte{byte(TagDisconnect)}, nil

	case InviteMessage:
		if err := checkName(msg.Name); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+2+1+len(msg.Name))
		buf = append(buf, byte(TagInvite))
		buf = binary.BigEndian.AppendUint16(buf, msg.TCPPort)
		buf = append(buf, byte(len(msg.Name)))
		return append(buf, msg.Name...), nil

	case PeerTextMessage:
		if err := checkText(msg.Text); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 1+4+len(msg.Text))
		buf = append(buf, byte(TagPeerText))
		return appendText(buf, msg.Text), nil
	}
	return nil, &EncodingError{Field: "message", Reason: fmt.Sprintf("unsupported type %T", m)}
}
