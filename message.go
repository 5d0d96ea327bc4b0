package snet

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Message is an application payload received on a connection. Messages are
// pooled: whoever ends up holding one calls Release when done with it.
type Message struct {
	sender   *Conn
	payload  string
	code     rune
	target   int
	released bool
}

var messagePool = sync.Pool{
	New: func() interface{} {
		return new(Message)
	},
}

func newMessage(sender *Conn, payload string) *Message {
	msg := messagePool.Get().(*Message)
	msg.sender = sender
	msg.payload = payload
	msg.code, msg.target = parseHeader(payload)
	msg.released = false
	return msg
}

// parseHeader reads the command code and target subscriber id. The target
// is the second rune's offset from '0'.
func parseHeader(payload string) (rune, int) {
	code, n := utf8.DecodeRuneInString(payload)
	if n >= len(payload) {
		return code, 0
	}
	t, _ := utf8.DecodeRuneInString(payload[n:])
	return code, int(t - '0')
}

// EncodeMessage builds a payload for command code with the given target id
// and data.
func EncodeMessage(code rune, target int, data string) string {
	var b strings.Builder
	b.Grow(len(data) + 2*utf8.UTFMax)
	b.WriteRune(code)
	b.WriteRune(rune('0' + target))
	b.WriteString(data)
	return b.String()
}

// Sender returns the connection the message arrived on.
func (m *Message) Sender() *Conn {
	return m.sender
}

// Payload returns the raw payload including the two header runes.
func (m *Message) Payload() string {
	return m.payload
}

// CommandCode returns the first rune of the payload.
func (m *Message) CommandCode() rune {
	return m.code
}

// Target returns the targeted subscriber id.
func (m *Message) Target() int {
	return m.target
}

// Extract returns the data with the command code and target stripped.
func (m *Message) Extract() string {
	_, n := utf8.DecodeRuneInString(m.payload)
	if n >= len(m.payload) {
		return ""
	}
	_, k := utf8.DecodeRuneInString(m.payload[n:])
	return m.payload[n+k:]
}

// Release returns the message to the pool. Further calls are no-ops and
// the message must not be used afterwards.
func (m *Message) Release() {
	if m.released {
		return
	}
	m.sender = nil
	m.payload = ""
	m.code = 0
	m.target = 0
	m.released = true
	messagePool.Put(m)
}
