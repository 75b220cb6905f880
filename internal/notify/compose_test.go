package notify

import (
	"strings"
	"testing"
)

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "bold",
			md:   "This is **bold** text",
			want: "This is bold text",
		},
		{
			name: "link",
			md:   "Visit [Example](https://example.com) now",
			want: "Visit Example (https://example.com) now",
		},
		{
			name: "heading",
			md:   "## New release\n\nSome text",
			want: "New release\n\nSome text",
		},
		{
			name: "list items preserved",
			md:   "- v1.2.0\n- v1.1.0",
			want: "- v1.2.0\n- v1.1.0",
		},
		{
			name: "plain text unchanged",
			md:   "Just some regular text.",
			want: "Just some regular text.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markdownToPlain(tt.md)
			if got != tt.want {
				t.Errorf("markdownToPlain(%q) =\n  %q\nwant\n  %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := markdownToHTML("New release: **v1.2.0**")
	if err != nil {
		t.Fatalf("markdownToHTML() error: %v", err)
	}
	if !strings.Contains(html, "<strong>v1.2.0</strong>") {
		t.Error("HTML should contain <strong> tag for bold")
	}
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("HTML should have DOCTYPE wrapper")
	}
}

func TestCompose(t *testing.T) {
	msg, err := Compose(Options{
		From:    "Package Tracker <pts@example.org>",
		To:      []string{"alice@example.com"},
		Subject: "nginx upstream release v1.25.0",
		Body:    "A new upstream release **v1.25.0** was published.",
	})
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}

	s := string(msg)
	if !strings.Contains(s, "pts@example.org") {
		t.Errorf("message should contain From address, got headers:\n%s", s[:min(len(s), 500)])
	}
	if !strings.Contains(s, "alice@example.com") {
		t.Errorf("message should contain To address, got headers:\n%s", s[:min(len(s), 500)])
	}
	if !strings.Contains(s, "Subject: nginx upstream release v1.25.0") {
		t.Error("message should contain Subject header")
	}
	if !strings.Contains(s, "Message-Id:") {
		t.Error("message should contain Message-Id header")
	}
	if !strings.Contains(s, "multipart/alternative") {
		t.Error("message should be multipart/alternative")
	}
	if !strings.Contains(s, "text/plain") {
		t.Error("message should contain text/plain part")
	}
	if !strings.Contains(s, "text/html") {
		t.Error("message should contain text/html part")
	}
}

func TestCompose_InvalidFrom(t *testing.T) {
	_, err := Compose(Options{
		From:    "not-an-email",
		To:      []string{"to@example.com"},
		Subject: "Test",
		Body:    "Body",
	})
	if err == nil {
		t.Error("Compose should fail with invalid From address")
	}
}
