package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name:     "missing host",
			config:   Config{Port: "587", From: "poems@example.com"},
			expected: false,
		},
		{
			name:     "missing from",
			config:   Config{Host: "smtp.example.com", Port: "587"},
			expected: false,
		},
		{
			name:     "fully configured",
			config:   Config{Host: "smtp.example.com", Port: "587", From: "poems@example.com"},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendInvitationsRequiresConfig(t *testing.T) {
	svc := NewService(Config{})
	err := svc.SendInvitations(context.Background(), []Invitation{{Email: "a@example.com"}})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("SendInvitations() error = %v, want ErrNotConfigured", err)
	}
}

func TestSendInvitationsEmptyBatch(t *testing.T) {
	svc := NewService(Config{Host: "127.0.0.1", Port: "1", From: "poems@example.com"})
	if err := svc.SendInvitations(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should not dial: %v", err)
	}
}

func TestInviteMessageContainsLink(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "poems@example.com", FromName: "Blackout"})
	msg, err := svc.inviteMessage(Invitation{
		Email:        "guest@example.com",
		Link:         "https://poems.example.com/join?sessionId=ses_1&token=abc",
		SessionTitle: "Evening News",
		StartsAt:     time.Date(2026, 2, 3, 18, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("inviteMessage() error = %v", err)
	}
	text := string(msg)

	for _, want := range []string{
		"To: guest@example.com\r\n",
		"From: Blackout <poems@example.com>\r\n",
		"Subject: You're invited: Evening News\r\n",
		"https://poems.example.com/join?sessionId=ses_1&amp;token=abc",
		"Tue, 03 Feb 2026 18:30 UTC",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestRenderInviteTemplateEscapesTitle(t *testing.T) {
	html, err := renderTemplate(inviteEmailTemplate, InviteData{
		AppName:      "Blackout",
		SessionTitle: "<script>alert(1)</script>",
		JoinURL:      "https://example.com/join",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("session title must be escaped")
	}
}
