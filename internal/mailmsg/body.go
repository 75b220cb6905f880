package mailmsg

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"
)

// Part is one leaf of a message's MIME tree: a content type plus its
// already-decoded (base64/quoted-printable reversed) raw bytes. Text
// decoding from the part's charset into UTF-8 happens separately, in
// Text, since a caller asking for a specific MIME type (e.g. an
// attachment) may not want charset handling at all.
type Part struct {
	ContentType string // e.g. "text/plain", lowercased, params stripped
	Params      map[string]string
	Raw         []byte
}

// Text decodes the part's Raw bytes from its declared charset (the
// "charset" Content-Type parameter) into a UTF-8 string. A missing
// charset parameter defaults to ASCII, per the codec's rule that a
// message (or part) with no stated encoding is treated as plain
// ASCII text. us-ascii/ascii is validated as 7-bit clean; utf-8 is
// validated with utf8.Valid; iso-8859-1/latin1 is transcoded byte by
// byte since every byte value is already that code point's identity
// mapping. Any other charset, or invalid bytes under the declared
// one, fails cleanly rather than guessing.
func (p Part) Text() (string, error) {
	charset := strings.ToLower(strings.TrimSpace(p.Params["charset"]))
	if charset == "" {
		charset = "ascii"
	}

	switch charset {
	case "ascii", "us-ascii", "usascii":
		for i := 0; i < len(p.Raw); i++ {
			if p.Raw[i] > 0x7f {
				return "", fmt.Errorf("mailmsg: part declared charset %q but contains byte 0x%02x at offset %d", charset, p.Raw[i], i)
			}
		}
		return string(p.Raw), nil
	case "utf-8", "utf8":
		if !utf8.Valid(p.Raw) {
			return "", fmt.Errorf("mailmsg: part declared charset %q but contains invalid UTF-8", charset)
		}
		return string(p.Raw), nil
	case "iso-8859-1", "latin1":
		var b strings.Builder
		b.Grow(len(p.Raw))
		for _, c := range p.Raw {
			b.WriteRune(rune(c))
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("mailmsg: unsupported charset %q", charset)
	}
}

// Parts walks the message's MIME structure (recursing into any
// multipart/* container) and returns every leaf part in depth-first,
// document order. A non-multipart message yields exactly one part:
// itself.
func (m *Message) Parts() ([]Part, error) {
	ct, params, err := parseContentType(m.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	return walkParts(ct, params, m.Header.Get("Content-Transfer-Encoding"), m.Body)
}

// FirstPart returns the first leaf part whose Content-Type equals
// mimeType (case-insensitive, parameters ignored in the comparison),
// in document order. This backs both the dispatch engine's keyword
// approval check and the control processor's "first plain text part"
// rule described in the source's typed_subpart_iterator.
func (m *Message) FirstPart(mimeType string) (Part, bool, error) {
	parts, err := m.Parts()
	if err != nil {
		return Part{}, false, err
	}
	for _, p := range parts {
		if strings.EqualFold(p.ContentType, mimeType) {
			return p, true, nil
		}
	}
	return Part{}, false, nil
}

func parseContentType(header string) (string, map[string]string, error) {
	if strings.TrimSpace(header) == "" {
		return "text/plain", map[string]string{"charset": "ascii"}, nil
	}
	ct, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", nil, fmt.Errorf("mailmsg: parse Content-Type %q: %w", header, err)
	}
	return strings.ToLower(ct), params, nil
}

func walkParts(contentType string, params map[string]string, cte string, body []byte) ([]Part, error) {
	if !strings.HasPrefix(contentType, "multipart/") {
		decoded, err := decodeTransfer(cte, body)
		if err != nil {
			return nil, err
		}
		return []Part{{ContentType: contentType, Params: params, Raw: decoded}}, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("mailmsg: multipart %q declared with no boundary parameter", contentType)
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var out []Part
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mailmsg: read multipart part: %w", err)
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("mailmsg: read multipart part body: %w", err)
		}

		childCT, childParams, err := parseContentType(part.Header.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		childCTE := part.Header.Get("Content-Transfer-Encoding")

		nested, err := walkParts(childCT, childParams, childCTE, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func decodeTransfer(cte string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "", "7bit", "8bit", "binary":
		return raw, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("mailmsg: decode quoted-printable: %w", err)
		}
		return decoded, nil
	case "base64":
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(bytes.ReplaceAll(raw, []byte("\n"), nil))))
		if err != nil {
			return nil, fmt.Errorf("mailmsg: decode base64: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("mailmsg: unsupported Content-Transfer-Encoding %q", cte)
	}
}
