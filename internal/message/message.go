// Package message provides the byte-buffer handle exchanged through
// asynchronous operations.
package message

import "sync/atomic"

// Message is one datagram worth of payload. Ownership moves with the
// message: whoever holds it last calls Free.
type Message struct {
	body    []byte
	release func([]byte)
	freed   atomic.Bool
}

// New wraps b without copying. Free is a no-op for such messages.
func New(b []byte) *Message {
	return &Message{body: b}
}

// NewPooled wraps b and calls release with the full-capacity buffer when the
// message is freed.
func NewPooled(b []byte, release func([]byte)) *Message {
	return &Message{body: b, release: release}
}

// Bytes returns the payload. The slice must not be used after Free.
func (m *Message) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.body
}

// Len returns the payload length.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.body)
}

// Pooled reports whether the payload storage belongs to a pool.
func (m *Message) Pooled() bool {
	return m != nil && m.release != nil
}

// Free releases pooled storage. Calling Free more than once is safe.
func (m *Message) Free() {
	if m == nil || !m.freed.CompareAndSwap(false, true) {
		return
	}
	if m.release != nil {
		m.release(m.body[:cap(m.body)])
	}
	m.body = nil
}
