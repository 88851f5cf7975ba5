package mailbox

import (
	"fmt"
	"testing"
)

func TestParseCursor(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    Cursor
		wantErr bool
	}{
		{"empty token starts from the beginning", "", Cursor{}, false},
		{"valid token", "7:1100", Cursor{UIDValidity: 7, LastUID: 1100}, false},
		{"zero position", "7:0", Cursor{UIDValidity: 7}, false},
		{"missing separator", "71100", Cursor{}, true},
		{"non-numeric validity", "x:1100", Cursor{}, true},
		{"non-numeric uid", "7:x", Cursor{}, true},
		{"negative uid", "7:-1", Cursor{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCursor(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCursor(%q) expected error", tt.token)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCursor(%q): %v", tt.token, err)
			}
			if got != tt.want {
				t.Errorf("ParseCursor(%q) = %+v, want %+v", tt.token, got, tt.want)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{UIDValidity: 42, LastUID: 9001}
	got, err := ParseCursor(c.String())
	if err != nil {
		t.Fatalf("ParseCursor(String()): %v", err)
	}
	if got != c {
		t.Errorf("round trip = %+v, want %+v", got, c)
	}
}

func TestErrorKinds(t *testing.T) {
	authErr := &AuthError{Principal: "alice@example.com", Message: "bad password"}
	connErr := &ConnError{Addr: "imap.example.com:993", Message: "timeout"}

	if !IsAuthError(authErr) || IsAuthError(connErr) {
		t.Error("IsAuthError misclassifies")
	}
	if !IsConnError(connErr) || IsConnError(authErr) {
		t.Error("IsConnError misclassifies")
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("connecting after 5 attempts: %w", connErr)
	if !IsConnError(wrapped) {
		t.Error("IsConnError fails on wrapped error")
	}
	if IsAuthError(nil) || IsConnError(nil) {
		t.Error("nil misclassified")
	}
}
