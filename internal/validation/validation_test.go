package validation

import (
	"strings"
	"testing"
)

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://app.chatwoot.com", false},
		{"http://localhost:8080/functions/v1/chatwoot-api-proxy", false},
		{"http://10.0.0.4", false},
		{"", true},
		{"ftp://example.com", true},
		{"https://", true},
		{"http://169.254.169.254/latest", true},
		{"http://metadata.google.internal", true},
		{"https://example.com/?token=x", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateBaseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBaseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRealtimeURL(t *testing.T) {
	for _, ok := range []string{"ws://localhost:3001", "wss://crm.example.com/cable", "https://crm.example.com"} {
		if err := ValidateRealtimeURL(ok); err != nil {
			t.Errorf("ValidateRealtimeURL(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"tcp://x", "ws://", "ws://169.254.169.254"} {
		if err := ValidateRealtimeURL(bad); err == nil {
			t.Errorf("ValidateRealtimeURL(%q) expected error", bad)
		}
	}
}

func TestValidateWebhookURL(t *testing.T) {
	if err := ValidateWebhookURL("https://crm.example.com/webhook/evolution?token=abc"); err != nil {
		t.Errorf("query should be allowed: %v", err)
	}
	if err := ValidateWebhookURL("http://169.254.169.254/hook"); err == nil {
		t.Error("expected metadata host to fail")
	}
}

func TestValidateContactFields(t *testing.T) {
	if err := ValidateName(strings.Repeat("a", MaxNameLength)); err != nil {
		t.Errorf("max length name rejected: %v", err)
	}
	if err := ValidateName(strings.Repeat("a", MaxNameLength+1)); err == nil {
		t.Error("expected long name to fail")
	}
	if err := ValidateEmail("ana@example.com"); err != nil {
		t.Errorf("valid email rejected: %v", err)
	}
	if err := ValidateEmail("not-an-email"); err == nil {
		t.Error("expected malformed email to fail")
	}
	if err := ValidatePhone("+55 (11) 99999-0000"); err != nil {
		t.Errorf("valid phone rejected: %v", err)
	}
	for _, bad := range []string{"55+11", "abc", "+"} {
		if err := ValidatePhone(bad); err == nil {
			t.Errorf("ValidatePhone(%q) expected error", bad)
		}
	}
}

func TestValidateMessageAndLabel(t *testing.T) {
	if err := ValidateMessageContent(strings.Repeat("x", MaxMessageLength+1)); err == nil {
		t.Error("expected oversized message to fail")
	}
	if err := ValidateLabelTitle("  "); err == nil {
		t.Error("expected blank label to fail")
	}
	if err := ValidateLabelTitle("vip"); err != nil {
		t.Errorf("valid label rejected: %v", err)
	}
}

func TestParsePositiveInt(t *testing.T) {
	if n, err := ParsePositiveInt(" #42 ", "id"); err != nil || n != 42 {
		t.Fatalf("ParsePositiveInt = %d, %v", n, err)
	}
	for _, bad := range []string{"0", "-1", "abc", "99999999999"} {
		if _, err := ParsePositiveInt(bad, "id"); err == nil {
			t.Errorf("ParsePositiveInt(%q) expected error", bad)
		}
	}
}
