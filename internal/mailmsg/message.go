package mailmsg

import (
	"bufio"
	"bytes"
	"fmt"
)

// Message is a parsed RFC 5322 message: an ordered header block plus
// the raw, untouched body bytes that followed it. Mutations go
// through AddHeader (append-only, matching the spec's "never remove
// or rewrite a header it did not add" rule); the body is never
// touched by this package once parsed, so Bytes reproduces it
// byte-for-byte for every caller that doesn't rewrite the header
// block.
type Message struct {
	Header Header
	Body   []byte
}

// Parse splits data into a Header and a Body at the first blank line,
// per RFC 5322 §2.1. An empty body (a bare header block with no
// trailing blank line) is accepted — some bounce notifications and
// malformed relayed mail arrive that way — and yields an empty Body.
func Parse(data []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}

	body, err := readAllLenient(r)
	if err != nil {
		return nil, fmt.Errorf("mailmsg: read body: %w", err)
	}

	return &Message{Header: h, Body: body}, nil
}

func readAllLenient(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

// AddHeader appends a header field, rejecting values containing CR or
// LF to prevent header injection via untrusted input (a package
// keyword, a subject line, a user's display name) reaching a header
// we compose.
func (m *Message) AddHeader(name, value string) error {
	return m.Header.Add(name, value)
}

// Bytes serializes the message back to its wire form: the header
// block (in field order, including any fields appended after Parse)
// followed by a blank line and the original body bytes unchanged.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.Header)
	buf.Write(m.Body)
	return buf.Bytes()
}

// Clone makes an independent copy of m, safe to mutate (via
// AddHeader) without affecting the original — used by the dispatch
// engine to decorate one shared source message differently for
// diagnostic purposes per recipient while keeping the wire bytes
// byte-identical for every RCPT TO in the same SMTP transaction.
func (m *Message) Clone() *Message {
	clone := &Message{
		Header: Header{fields: append([]field(nil), m.Header.fields...)},
		Body:   append([]byte(nil), m.Body...),
	}
	return clone
}
