// Package invite issues per-email session invites and dispatches their
// notification mail without blocking the caller.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"blackout/api/internal/email"
	"blackout/api/internal/store"
)

const (
	tokenBytes    = 16
	sendTimeout   = 30 * time.Second
	MaxRecipients = 100
)

// NewToken returns a 32 character hex token from a cryptographic source.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NormalizeEmails trims, lowercases and dedupes addresses, dropping blanks
// and keeping first-seen order.
func NormalizeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, raw := range emails {
		addr := strings.ToLower(strings.TrimSpace(raw))
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Issue creates one pending invite per distinct email.
func Issue(sessionID string, emails []string, now time.Time, newID func() string) ([]store.Invite, error) {
	addrs := NormalizeEmails(emails)
	invites := make([]store.Invite, 0, len(addrs))
	for _, addr := range addrs {
		token, err := NewToken()
		if err != nil {
			return nil, err
		}
		invites = append(invites, store.Invite{
			ID:        newID(),
			SessionID: sessionID,
			Email:     addr,
			Token:     token,
			Status:    store.InvitePending,
			CreatedAt: now,
		})
	}
	return invites, nil
}

// Link builds the join URL for an invite.
func Link(baseURL, sessionID, token string) string {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("token", token)
	return strings.TrimRight(baseURL, "/") + "/join?" + q.Encode()
}

// Sender delivers invitation mail. *email.Service satisfies it.
type Sender interface {
	IsConfigured() bool
	SendInvitations(ctx context.Context, invitations []email.Invitation) error
	SendInvitation(ctx context.Context, invitation email.Invitation) error
}

type Dispatcher struct {
	sender  Sender
	baseURL string
	logger  *slog.Logger
}

func NewDispatcher(sender Sender, baseURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, baseURL: baseURL, logger: logger}
}

// Invitations turns stored invites into deliverable messages.
func (d *Dispatcher) Invitations(session store.Session, invites []store.Invite) []email.Invitation {
	out := make([]email.Invitation, 0, len(invites))
	for _, inv := range invites {
		out = append(out, email.Invitation{
			Email:        inv.Email,
			Link:         Link(d.baseURL, session.ID, inv.Token),
			SessionTitle: session.Title,
			StartsAt:     session.StartsAt,
		})
	}
	return out
}

// Send tries the whole batch first and falls back to one send per recipient
// when the batch fails. It returns the number of failed recipients.
func (d *Dispatcher) Send(ctx context.Context, invitations []email.Invitation) int {
	if len(invitations) == 0 {
		return 0
	}
	if d.sender == nil || !d.sender.IsConfigured() {
		d.logger.Info("invite mail skipped, smtp not configured", "recipients", len(invitations))
		return 0
	}

	err := d.sender.SendInvitations(ctx, invitations)
	if err == nil {
		d.logger.Info("invites sent", "recipients", len(invitations))
		return 0
	}
	d.logger.Warn("invite batch failed, sending individually", "error", err, "recipients", len(invitations))

	failed := 0
	for _, inv := range invitations {
		if err := d.sender.SendInvitation(ctx, inv); err != nil {
			failed++
			d.logger.Error("invite send failed", "email", inv.Email, "error", err)
		}
	}
	return failed
}

// Dispatch sends invites for session in the background. Delivery failures
// are logged and never reach the caller.
func (d *Dispatcher) Dispatch(session store.Session, invites []store.Invite) {
	invitations := d.Invitations(session, invites)
	if len(invitations) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		d.Send(ctx, invitations)
	}()
}
