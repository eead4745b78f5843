package wss

import "unicode/utf8"

// Message is one whole WebSocket message, reassembled from however many
// frames it arrived in. The byte and rune views borrow pooled buffers and
// are valid only within the iteration step that yielded the message;
// copy what must outlive it.
type Message struct {
	kind  MessageKind
	data  []byte
	runes []rune
	n     int
	rn    int
}

func newMessage(kind MessageKind, buf []byte, used int) *Message {
	m := &Message{kind: kind, data: buf, n: used}
	if kind == TextMessage {
		m.rn = utf8.RuneCount(buf[:used])
		m.runes = bufPool.RentRunes(m.rn)
		for i, off := 0, 0; off < used; i++ {
			r, size := utf8.DecodeRune(buf[off:used])
			m.runes[i] = r
			off += size
		}
	}
	return m
}

// release returns the pooled buffers, decoded text first.
func (m *Message) release() {
	if m.runes != nil {
		bufPool.ReleaseRunes(m.runes)
		m.runes = nil
	}
	if m.data != nil {
		bufPool.ReleaseBytes(m.data)
		m.data = nil
	}
}

// Kind reports whether the message is text or binary.
func (m *Message) Kind() MessageKind { return m.kind }

// Len is the payload length in bytes.
func (m *Message) Len() int { return m.n }

// Data is the raw payload view.
func (m *Message) Data() []byte { return m.data[:m.n] }

// Runes is the decoded view of a text message, nil for binary.
func (m *Message) Runes() []rune {
	if m.runes == nil {
		return nil
	}
	return m.runes[:m.rn]
}

// String copies the payload into a string the caller may keep.
func (m *Message) String() string { return string(m.data[:m.n]) }
