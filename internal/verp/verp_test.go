package verp

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		returnPath string
		recipient  string
	}{
		{"simple", "bounces+20260301@pts.example.org", "alice@example.com"},
		{"plus in recipient local part", "bounces+20260301@pts.example.org", "alice+tag@example.com"},
		{"dots and dashes", "owner-list@pts.example.org", "bob.smith-jr@sub.example.com"},
		{"equals in recipient", "bounces+20260301@pts.example.org", "weird=name@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.returnPath, tt.recipient)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			gotRP, gotRecipient, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode(%q): %v", encoded, err)
			}
			if gotRP != tt.returnPath {
				t.Errorf("return path = %q, want %q", gotRP, tt.returnPath)
			}
			if gotRecipient != tt.recipient {
				t.Errorf("recipient = %q, want %q", gotRecipient, tt.recipient)
			}
		})
	}
}

func TestEncodeInvalidAddress(t *testing.T) {
	if _, err := Encode("not-an-address", "alice@example.com"); err == nil {
		t.Error("expected error for malformed return path")
	}
	if _, err := Encode("bounces@pts.example.org", "not-an-address"); err == nil {
		t.Error("expected error for malformed recipient")
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []string{
		"no-separator@pts.example.org",
		"not-an-address",
		"bounces+@pts.example.org",
	}
	for _, addr := range tests {
		if _, _, err := Decode(addr); err == nil {
			t.Errorf("Decode(%q) expected error, got none", addr)
		}
	}
}

func TestEncodeFormat(t *testing.T) {
	got, err := Encode("bounces+20260301@pts.example.org", "alice@example.com")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "bounces+20260301+alice=example.com@pts.example.org"
	if got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}
