// Package mailer implements admin mail notification (spec §1 names it out
// of scope as a collaborator; §7 names the two points it fires: Fatal and
// VerifyMismatch). No third-party mail library appears anywhere in the
// example pack, so this stays on net/smtp; see DESIGN.md.
package mailer

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/manishalankala/urbackup-coordinator/internal/syslog"
)

// Notifier is the narrow contract the Coordinator drives on Fatal and
// VerifyMismatch outcomes.
type Notifier interface {
	Notify(subject, body string) error
}

// LogOnlyNotifier is the default Notifier: it writes the notification to
// the structured log instead of sending mail, for deployments without SMTP
// configured.
type LogOnlyNotifier struct{}

func (LogOnlyNotifier) Notify(subject, body string) error {
	syslog.L.Warn().WithMessage(subject).WithField("body", body).Write()
	return nil
}

// SMTPConfig configures the SMTP notifier from settings.Settings'
// AdminEmail/SMTPAddr fields.
type SMTPConfig struct {
	Addr     string
	From     string
	To       string
	User     string
	Password string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTPNotifier sends admin mail over SMTP.
type SMTPNotifier struct {
	cfg SMTPConfig
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) Notify(subject, body string) error {
	host, _, err := net.SplitHostPort(n.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mailer: bad smtp addr %q: %w", n.cfg.Addr, err)
	}

	dialer := &net.Dialer{Timeout: n.cfg.Timeout}
	conn, err := dialer.Dial("tcp", n.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mailer: dial smtp: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("mailer: new smtp client: %w", err)
	}
	defer client.Close()

	if n.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("mailer: starttls: %w", err)
		}
	}
	if n.cfg.User != "" {
		auth := smtp.PlainAuth("", n.cfg.User, n.cfg.Password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mailer: auth: %w", err)
		}
	}

	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("mailer: mail from: %w", err)
	}
	if err := client.Rcpt(n.cfg.To); err != nil {
		return fmt.Errorf("mailer: rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mailer: data: %w", err)
	}
	msg := buildMessage(n.cfg.From, n.cfg.To, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("mailer: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mailer: close message: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
