// Package verp implements Variable Envelope Return Path encoding and
// decoding. A VERP address folds the original recipient into the
// envelope sender's local part so that a bounce, which only carries the
// envelope sender, can still be traced back to the recipient it was
// meant for.
//
// Grounded on the encode/decode contract described for
// pts.core.utils.verp in the original Python dispatcher
// (pts/dispatch/process.py: prepare_message/handle_bounces), adapted to
// Go's net/mail addr-spec handling.
package verp

import (
	"fmt"
	"net/mail"
	"strings"
)

// separator divides the return path's local part from the encoded
// recipient within the VERP local part. "+" is the conventional VERP
// separator; it is percent-escaped when it appears in the recipient,
// while the return path's local part is copied unchanged.
const separator = "+"

// Encode builds a VERP address for the given return path and recipient.
// returnPath and recipient must be valid RFC 5321 addr-specs
// ("local@domain"). The resulting address uses returnPath's domain; its
// local part is returnPath's local part as is, the "+" separator, and
// the recipient's local part and domain, each percent-escaped, joined
// by "=":
//
//	encode("bounces+20260301@example.org", "alice@example.com")
//	  == "bounces+20260301+alice=example.com@example.org"
func Encode(returnPath, recipient string) (string, error) {
	rpLocal, rpDomain, err := split(returnPath)
	if err != nil {
		return "", fmt.Errorf("verp encode: return path: %w", err)
	}
	rcLocal, rcDomain, err := split(recipient)
	if err != nil {
		return "", fmt.Errorf("verp encode: recipient: %w", err)
	}

	encodedRecipient := escape(rcLocal) + "=" + escape(rcDomain)
	local := rpLocal + separator + encodedRecipient
	return local + "@" + rpDomain, nil
}

// Decode reverses Encode, returning the original (returnPath, recipient)
// pair. It returns an error if addr is not a VERP address produced by
// Encode (e.g. missing separator, malformed escapes).
func Decode(addr string) (returnPath, recipient string, err error) {
	local, domain, err := split(addr)
	if err != nil {
		return "", "", fmt.Errorf("verp decode: %w", err)
	}

	// The separator inserted by Encode is always the last literal "+" in
	// the local part: escape() percent-encodes any "+" in the recipient,
	// and any "+" in the return path's local part (as in
	// "bounces+YYYYMMDD") comes before the one Encode adds.
	idx := strings.LastIndex(local, separator)
	if idx < 0 {
		return "", "", fmt.Errorf("verp decode: no %q separator in local part %q", separator, local)
	}

	rpLocal := local[:idx]
	encodedRecipient := local[idx+len(separator):]

	eqIdx := strings.LastIndex(encodedRecipient, "=")
	if eqIdx < 0 {
		return "", "", fmt.Errorf("verp decode: malformed recipient encoding %q", encodedRecipient)
	}

	rcLocal, err := unescape(encodedRecipient[:eqIdx])
	if err != nil {
		return "", "", fmt.Errorf("verp decode: recipient local part: %w", err)
	}
	rcDomain, err := unescape(encodedRecipient[eqIdx+1:])
	if err != nil {
		return "", "", fmt.Errorf("verp decode: recipient domain: %w", err)
	}

	returnPath = rpLocal + "@" + domain
	recipient = rcLocal + "@" + rcDomain
	return returnPath, recipient, nil
}

// split separates an addr-spec into its local part and domain, using
// net/mail to reject addresses that are not well-formed.
func split(addrSpec string) (local, domain string, err error) {
	addr, err := mail.ParseAddress(addrSpec)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", addrSpec, err)
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 0 {
		return "", "", fmt.Errorf("%q has no domain", addr.Address)
	}
	return addr.Address[:at], addr.Address[at+1:], nil
}

// escape percent-encodes characters that would be unsafe or ambiguous
// in a VERP local part: '%', '+', '=', '@', and anything outside
// printable ASCII.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' || c == '+' || c == '=' || c == '@' || c < 0x21 || c > 0x7e:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// unescape reverses escape, decoding %XX sequences.
func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at offset %d in %q", i, s)
		}
		var v byte
		if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &v); err != nil {
			return "", fmt.Errorf("invalid escape %q: %w", s[i:i+3], err)
		}
		b.WriteByte(v)
		i += 2
	}
	return b.String(), nil
}
