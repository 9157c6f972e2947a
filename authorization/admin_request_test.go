package authorization

import (
	"strings"
	"testing"
)

func TestSanitizeMailHeader(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"plain", "ops@example.com", "ops@example.com"},
		{"surrounding whitespace", "  ops@example.com  ", "ops@example.com"},
		{"crlf injection", "ops@example.com\r\nBcc: attacker@evil.test", "ops@example.com Bcc: attacker@evil.test"},
		{"bare newline", "line1\nline2", "line1 line2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeMailHeader(tt.value); got != tt.want {
				t.Fatalf("sanitizeMailHeader(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestEncodeMailSubject(t *testing.T) {
	if got := encodeMailSubject("Admin Access Request"); got != "Admin Access Request" {
		t.Fatalf("expected ASCII subject unchanged, got %q", got)
	}
	encoded := encodeMailSubject("管理者権限のリクエスト")
	if !strings.HasPrefix(encoded, "=?UTF-8?B?") || !strings.HasSuffix(encoded, "?=") {
		t.Fatalf("expected RFC 2047 encoded word, got %q", encoded)
	}
}

func TestMailerSendRequiresConfiguration(t *testing.T) {
	var mailer *adminRequestMailer
	if err := mailer.Send(&User{ID: 1}, nil); err == nil {
		t.Fatal("expected error on nil mailer")
	}

	configured := &adminRequestMailer{host: "localhost", port: 2525, username: "u", password: "p", from: "a@b", recipient: "c@d"}
	if err := configured.Send(nil, nil); err == nil {
		t.Fatal("expected error without user details")
	}
}
