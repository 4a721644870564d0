package protocol

import (
	"errors"
	"testing"
)

// framerFixture returns a sequence of messages and their concatenated
// encoding, used to exercise arbitrary stream splits.
func framerFixture(t *testing.T) ([]Message, []byte) {
	t.Helper()

	msgs := []Message{
		RegisterMessage{IP: 0x7F000001, UDPPort: 30000, Name: "Alice"},
		ClientListMessage{Clients: []ClientInfo{{IP: 0x7F000001, UDPPort: 30000, Name: "Alice"}}},
		JoinedMessage{Client: ClientInfo{IP: 0x7F000001, UDPPort: 30001, Name: "Bob"}},
		BroadcastMessage{Text: "hello"},
		LeftMessage{Name: "Bob"},
		DisconnectMessage{},
	}

	var stream []byte
	for _, msg := range msgs {
		encoded, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%#v) error = %v", msg, err)
		}
		stream = append(stream, encoded...)
	}
	return msgs, stream
}

// TestFramerSplits feeds the same message stream to the framer one byte at a
// time, all at once, and split at every possible boundary, and requires the
// identical message sequence each way.
func TestFramerSplits(t *testing.T) {
	want, stream := framerFixture(t)

	feedAndCollect := func(t *testing.T, chunks [][]byte) []Message {
		t.Helper()
		var framer Framer
		var got []Message
		for _, chunk := range chunks {
			msgs, err := framer.Feed(chunk)
			if err != nil {
				t.Fatalf("Feed() error = %v", err)
			}
			got = append(got, msgs...)
		}
		if framer.Buffered() != 0 {
			t.Errorf("Buffered() = %d after complete stream, want 0", framer.Buffered())
		}
		return got
	}

	t.Run("all_at_once", func(t *testing.T) {
		checkMessages(t, feedAndCollect(t, [][]byte{stream}), want)
	})

	t.Run("byte_at_a_time", func(t *testing.T) {
		chunks := make([][]byte, len(stream))
		for i := range stream {
			chunks[i] = stream[i : i+1]
		}
		checkMessages(t, feedAndCollect(t, chunks), want)
	})

	t.Run("every_split_point", func(t *testing.T) {
		for cut := 1; cut < len(stream); cut++ {
			got := feedAndCollect(t, [][]byte{stream[:cut], stream[cut:]})
			checkMessages(t, got, want)
		}
	})
}

// TestFramerProtocolErrorIsSticky verifies that a protocol error stops all
// further processing on the framer while still delivering the messages
// decoded before the bad bytes.
func TestFramerProtocolErrorIsSticky(t *testing.T) {
	goodBytes, err := Encode(BroadcastMessage{Text: "ok"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	poisoned := append(append([]byte{}, goodBytes...), 0xAA)

	var framer Framer
	msgs, err := framer.Feed(poisoned)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Feed() error = %v, want *ProtocolError", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Feed() returned %d messages before the error, want 1", len(msgs))
	}

	// Later feeds must keep failing, even with valid bytes.
	if _, err := framer.Feed(goodBytes); !errors.As(err, &protoErr) {
		t.Errorf("Feed() after protocol error = %v, want the sticky *ProtocolError", err)
	}
}

// TestFramerKeepsRemainder verifies that a partial trailing message stays
// buffered across feeds.
func TestFramerKeepsRemainder(t *testing.T) {
	encoded, err := Encode(BroadcastMessage{Text: "hello"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var framer Framer
	msgs, err := framer.Feed(encoded[:3])
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Feed(partial) returned %d messages, want 0", len(msgs))
	}
	if framer.Buffered() != 3 {
		t.Errorf("Buffered() = %d, want 3", framer.Buffered())
	}

	msgs, err = framer.Feed(encoded[3:])
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Feed(remainder) returned %d messages, want 1", len(msgs))
	}
	if bc, ok := msgs[0].(BroadcastMessage); !ok || bc.Text != "hello" {
		t.Errorf("Feed() = %#v, want BroadcastMessage{Text: \"hello\"}", msgs[0])
	}
}

func checkMessages(t *testing.T, got, want []Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("decoded %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if !messagesEqual(got[i], want[i]) {
			t.Errorf("message %d = %#v, want %#v", i, got[i], want[i])
		}
	}
}
