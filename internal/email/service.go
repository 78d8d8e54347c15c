// Package email delivers session invitations over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Invitation is one recipient's invite to a session.
type Invitation struct {
	Email        string
	Link         string
	SessionTitle string
	StartsAt     time.Time
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: net.JoinHostPort(config.Host, config.Port),
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendInvitations delivers every invitation over a single SMTP connection.
// Any failure aborts the batch; callers fall back to SendInvitation.
func (s *Service) SendInvitations(ctx context.Context, invitations []Invitation) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(invitations) == 0 {
		return nil
	}

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, invitation := range invitations {
		msg, err := s.inviteMessage(invitation)
		if err != nil {
			return err
		}
		if err := s.deliver(client, invitation.Email, msg); err != nil {
			return fmt.Errorf("deliver to %s: %w", invitation.Email, err)
		}
	}
	return client.Quit()
}

// SendInvitation delivers a single invitation on its own connection.
func (s *Service) SendInvitation(ctx context.Context, invitation Invitation) error {
	return s.SendInvitations(ctx, []Invitation{invitation})
}

func (s *Service) dial(ctx context.Context) (*smtp.Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return nil, fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok || s.config.EnableTLS {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client, nil
}

func (s *Service) deliver(client *smtp.Client, to string, msg []byte) error {
	if err := client.Mail(s.config.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(msg); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// InviteData holds data for the invitation template
type InviteData struct {
	AppName      string
	SessionTitle string
	StartsAt     string
	JoinURL      string
}

func (s *Service) inviteMessage(invitation Invitation) ([]byte, error) {
	data := InviteData{
		AppName:      "Blackout",
		SessionTitle: invitation.SessionTitle,
		StartsAt:     invitation.StartsAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST"),
		JoinURL:      invitation.Link,
	}
	html, err := renderTemplate(inviteEmailTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("render invite template: %w", err)
	}
	subject := fmt.Sprintf("You're invited: %s", invitation.SessionTitle)
	plain := fmt.Sprintf("Join %q at %s:\r\n%s\r\n", invitation.SessionTitle, data.StartsAt, invitation.Link)
	return buildMessage(s.fromHeader(), invitation.Email, subject, plain, html), nil
}

func buildMessage(from, to, subject, plain, html string) []byte {
	boundary := "boundary-blackout"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", plain)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", html)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.SessionTitle}}</title>
    <style>
        body { font-family: Georgia, 'Times New Roman', serif; line-height: 1.6; color: #111; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 4px solid #111; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #111; color: #fff; text-decoration: none; margin: 20px 0; }
        .link { word-break: break-all; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #ddd; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.SessionTitle}}</h2>

    <p>You have been invited to a blackout poetry session starting {{.StartsAt}}.
    Everyone in the session strikes words from the same text until time runs out; whatever survives becomes the poem.</p>

    <p>
        <a href="{{.JoinURL}}" class="button">Join the session</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.JoinURL}}</p>

    <div class="footer">
        <p>The link is personal to you. If you weren't expecting this invitation you can ignore it.</p>
    </div>
</body>
</html>`
