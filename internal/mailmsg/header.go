// Package mailmsg implements the Message Codec (spec component C1): it
// parses a byte buffer into a structured RFC 5322 message with ordered,
// case-insensitive, multi-valued headers and a MIME body tree, and
// serializes a mutated message back to bytes.
//
// The header representation is hand-rolled on top of net/textproto
// rather than a library Entity type, because the spec requires
// byte-identical re-serialization of the original body across every
// recipient (§4.6 step 8) and append-only header mutation that never
// perturbs bytes it doesn't touch (§4.6 step 6) — guarantees a
// round-tripping library serializer does not make. The teacher's
// go-message-based parsing (internal/email/read.go) is instead the
// model for internal/mailmsg/body.go's MIME tree walk and for
// cmd/mailpump's charset-tolerant plain-text extraction, where
// byte-exact preservation does not matter.
package mailmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// field is one header line, preserving the exact name casing it
// appeared with.
type field struct {
	Name  string
	Value string
}

// Header is an ordered, case-insensitive, multi-valued collection of
// message headers.
type Header struct {
	fields []field
}

// Add appends a header field. It returns an error instead of writing
// the header if value contains CR or LF — the classic header
// injection vector — matching the spec's "header injection is
// prevented by disallowing CR/LF in any written header value".
func (h *Header) Add(name, value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("mailmsg: refusing to write header %q: value contains CR or LF", name)
	}
	h.fields = append(h.fields, field{Name: name, Value: value})
	return nil
}

// Get returns the first value for name (case-insensitive), or "" if
// absent.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name (case-insensitive), in the order
// they appear in the message.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether any field named name is present.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Names returns the distinct header names in first-appearance order.
func (h *Header) Names() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range h.fields {
		lower := strings.ToLower(f.Name)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, f.Name)
		}
	}
	return out
}

// Fields returns every (name, value) pair in order, for serialization
// or diagnostic iteration.
func (h *Header) Fields() []struct{ Name, Value string } {
	out := make([]struct{ Name, Value string }, len(h.fields))
	for i, f := range h.fields {
		out[i] = struct{ Name, Value string }{f.Name, f.Value}
	}
	return out
}

// parseHeader reads an RFC 5322 header block (including unfolding of
// continuation lines) using net/textproto, then replays it into an
// order-preserving Header. textproto.ReadMIMEHeader collapses
// duplicate field names into a map with order lost, so instead we
// read raw lines directly to preserve both order and exact casing.
func parseHeader(r *bufio.Reader) (Header, error) {
	tp := textproto.NewReader(r)
	var h Header

	for {
		line, err := tp.ReadContinuedLine()
		if err == io.EOF && line == "" {
			// Input ended without a blank line: headers only, no body.
			break
		}
		if err != nil {
			return h, fmt.Errorf("mailmsg: read header: %w", err)
		}
		if line == "" {
			// Blank line: end of headers.
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			// Malformed header line with no colon; keep it verbatim
			// under an empty name so round-tripping still sees it,
			// rather than silently dropping data.
			h.fields = append(h.fields, field{Name: "", Value: line})
			continue
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		h.fields = append(h.fields, field{Name: name, Value: value})
	}
	return h, nil
}

// writeHeader serializes fields back to bytes, one "Name: Value\r\n"
// line per field. Malformed lines captured with an empty Name are
// written back verbatim (no "Name:" prefix) so the original bytes are
// reproduced exactly.
func writeHeader(buf *bytes.Buffer, h Header) {
	for _, f := range h.fields {
		if f.Name == "" {
			buf.WriteString(f.Value)
			buf.WriteString("\r\n")
			continue
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
}
