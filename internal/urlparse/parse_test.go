package urlparse

import (
	"strings"
	"testing"

	"github.com/chatwoot/crm-sync/internal/crm"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		base     string
		account  crm.ID
		resource string
		id       crm.ID
	}{
		{"conversation", "https://app.chatwoot.com/app/accounts/1/conversations/123", "https://app.chatwoot.com", "1", Conversation, "123"},
		{"sub page", "https://chat.example.com/app/accounts/5/conversations/42/messages", "https://chat.example.com", "5", Conversation, "42"},
		{"inbox view", "http://localhost:3000/app/accounts/2/inbox/7/conversations/9", "http://localhost:3000", "2", Conversation, "9"},
		{"label view", "https://app.chatwoot.com/app/accounts/1/label/vip/conversations/77", "https://app.chatwoot.com", "1", Conversation, "77"},
		{"contact", "https://app.chatwoot.com/app/accounts/1/contacts/55?tab=notes", "https://app.chatwoot.com", "1", Contact, "55"},
		{"list", "https://app.chatwoot.com/app/accounts/1/conversations/", "https://app.chatwoot.com", "1", Conversation, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.url)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got.BaseURL != tt.base || got.AccountID != tt.account || got.Resource != tt.resource || got.ID != tt.id {
				t.Errorf("Parse() = %+v", got)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"", "empty"},
		{"ftp://app.chatwoot.com/app/accounts/1/conversations/1", "scheme"},
		{"chat.example.com/app/accounts/1/conversations/1", "scheme"},
		{"https://app.chatwoot.com/dashboard", "dashboard link"},
		{"https://app.chatwoot.com/app/accounts/1/campaigns/3", "unsupported resource"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.url)
		if err == nil {
			t.Fatalf("Parse(%q) expected error", tt.url)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Parse(%q) error = %v, want it to mention %q", tt.url, err, tt.want)
		}
	}
}

func TestID(t *testing.T) {
	id, err := ID("https://app.chatwoot.com/app/accounts/1/conversations/123", Conversation)
	if err != nil || id != "123" {
		t.Fatalf("ID() = %q, %v", id, err)
	}
	if _, err := ID("https://app.chatwoot.com/app/accounts/1/contacts/5", Conversation); err == nil {
		t.Error("expected error for a contact link")
	}
	if _, err := ID("https://app.chatwoot.com/app/accounts/1/conversations", Conversation); err == nil {
		t.Error("expected error for a list link")
	}
}

func TestLooksLikeURL(t *testing.T) {
	if !LooksLikeURL(" https://x/app") || LooksLikeURL("Ana Souza") || LooksLikeURL("123") {
		t.Error("LooksLikeURL misclassified input")
	}
}
