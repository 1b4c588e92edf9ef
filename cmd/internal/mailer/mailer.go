// Package mailer delivers invite verification links by email.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// VerificationMail is the content of one verification email.
type VerificationMail struct {
	To            string
	DocumentTitle string
	InviterName   string
	VerifyURL     string
	ExpiresAt     time.Time
}

// Config holds SMTP settings. An empty Host disables delivery.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Configured reports whether enough is set to attempt delivery.
func (c Config) Configured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// Sender delivers verification mail.
type Sender interface {
	SendVerification(ctx context.Context, m VerificationMail) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP sends mail through a relay with PLAIN auth.
type SMTP struct {
	cfg  Config
	addr string
	auth smtp.Auth
	send sendFunc
	tmpl *template.Template
}

// New returns an SMTP sender when cfg is configured and a logging no-op
// otherwise.
func New(cfg Config, log *slog.Logger) Sender {
	if !cfg.Configured() {
		return NewLog(log)
	}
	return NewSMTP(cfg)
}

// NewSMTP constructs an SMTP sender.
func NewSMTP(cfg Config) *SMTP {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTP{
		cfg:  cfg,
		addr: cfg.Host + ":" + cfg.Port,
		auth: auth,
		send: smtp.SendMail,
		tmpl: template.Must(template.New("verification").Parse(verificationTemplate)),
	}
}

func (s *SMTP) SendVerification(ctx context.Context, m VerificationMail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := strings.TrimSpace(m.To)
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("mailer: invalid recipient")
	}

	var body bytes.Buffer
	if err := s.tmpl.Execute(&body, m); err != nil {
		return fmt.Errorf("mailer: render verification: %w", err)
	}

	subject := "You have been invited to collaborate"
	if t := strings.TrimSpace(m.DocumentTitle); t != "" && !strings.ContainsAny(t, "\r\n") {
		subject = fmt.Sprintf("You have been invited to %q", t)
	}

	msg := s.compose(to, subject, body.String())
	if err := s.send(s.addr, s.auth, s.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	return nil
}

func (s *SMTP) compose(to, subject, html string) []byte {
	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	const boundary = "bloks-boundary"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", html)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// Log records verification mail instead of sending it (SMTP not configured).
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

func (l *Log) SendVerification(ctx context.Context, m VerificationMail) error {
	// The link itself is a credential; only its presence is logged.
	l.log.Info("mail.verification.skip", "reason", "smtp_not_configured", "expires_at", m.ExpiresAt, "has_link", m.VerifyURL != "")
	return nil
}

const verificationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Join {{if .DocumentTitle}}{{.DocumentTitle}}{{else}}a document{{end}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #111; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; }
    </style>
</head>
<body>
    <h2>{{if .InviterName}}{{.InviterName}} invited you{{else}}You were invited{{end}} to collaborate{{if .DocumentTitle}} on {{.DocumentTitle}}{{end}}.</h2>

    <p>
        <a href="{{.VerifyURL}}" class="button">Open document</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerifyURL}}</p>

    <div class="footer">
        <p>This link works once and expires {{.ExpiresAt.Format "Jan 2, 2006 15:04 MST"}}. If you did not ask to join, ignore this email.</p>
    </div>
</body>
</html>`
