package protocol

import "errors"

// Framer reassembles complete messages from an arbitrarily chunked byte
// stream. Bytes are appended as they arrive; each append drains as many
// complete messages as the buffer holds and keeps the unconsumed remainder
// for the next arrival.
//
// A Framer is not safe for concurrent use; each connection owns exactly one.
type Framer struct {
	buf []byte
	err error
}

// Feed appends p to the internal buffer and returns every complete message
// now available, in order. A *ProtocolError return is fatal: the framer
// remembers it, stops consuming, and every later Feed returns the same error.
// Messages decoded before the error are still returned alongside it.
func (f *Framer) Feed(p []byte) ([]Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.buf = append(f.buf, p...)

	var msgs []Message
	for {
		msg, n, err := Decode(f.buf)
		if errors.Is(err, ErrShortMessage) {
			break
		}
		if err != nil {
			f.err = err
			f.buf = nil
			return msgs, err
		}
		msgs = append(msgs, msg)
		f.buf = f.buf[n:]
	}
	return msgs, nil
}

// Buffered reports how many bytes are waiting for a message boundary.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
