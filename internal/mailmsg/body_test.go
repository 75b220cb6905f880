package mailmsg

import (
	"strings"
	"testing"
)

func buildMultipart(boundary, plain, html string) string {
	var b strings.Builder
	b.WriteString("From: a@x\r\n")
	b.WriteString("To: b@x\r\n")
	b.WriteString("Content-Type: multipart/alternative; boundary=\"" + boundary + "\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(plain + "\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(html + "\r\n")
	b.WriteString("--" + boundary + "--\r\n")
	return b.String()
}

func TestFirstPartFindsPlainTextAmongAlternatives(t *testing.T) {
	raw := buildMultipart("BOUNDARY123", "hello plain", "<b>hello html</b>")
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	part, ok, err := msg.FirstPart("text/plain")
	if err != nil {
		t.Fatalf("FirstPart: %v", err)
	}
	if !ok {
		t.Fatal("expected to find a text/plain part")
	}
	text, err := part.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "hello plain" {
		t.Errorf("Text() = %q, want %q", text, "hello plain")
	}
}

func TestFirstPartMissingTypeReturnsFalse(t *testing.T) {
	raw := buildMultipart("B2", "plain", "html")
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, ok, err := msg.FirstPart("application/pdf")
	if err != nil {
		t.Fatalf("FirstPart: %v", err)
	}
	if ok {
		t.Error("expected no application/pdf part")
	}
}

func TestWalkPartsDecodesQuotedPrintable(t *testing.T) {
	raw := "Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n\r\n" +
		"caf=C3=A9\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	parts, err := msg.Parts()
	if err != nil {
		t.Fatalf("Parts: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("Parts = %v, want 1", parts)
	}
	text, err := parts[0].Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if !strings.HasPrefix(text, "café") {
		t.Errorf("Text() = %q, want decoded café prefix", text)
	}
}

func TestWalkPartsRejectsMultipartWithoutBoundary(t *testing.T) {
	raw := "Content-Type: multipart/mixed\r\n\r\nsomething\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := msg.Parts(); err == nil {
		t.Fatal("expected error for multipart with no boundary parameter")
	}
}
