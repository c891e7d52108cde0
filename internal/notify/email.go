package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/permanent"
	"ratewatch/internal/templatefmt"
)

// EmailSender delivers notifications over SMTP.
// STARTTLS and PLAIN auth are used when the server offers them.
type EmailSender struct {
	cfg config.ChannelConfig
}

// NewEmailSender creates SMTP sender.
func NewEmailSender(cfg config.ChannelConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Type returns email channel type.
func (s *EmailSender) Type() domain.ChannelType { return domain.ChannelEmail }

// Send submits one mail message to every configured recipient.
// Params: context (its deadline bounds the whole SMTP session) and rendered message.
// Returns: dial, protocol, or submission error.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	host := strings.TrimSpace(s.cfg.SMTPHost)
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.SMTPPort))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("email dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("email handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("email starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)); err != nil {
				return permanent.Mark(fmt.Errorf("email auth: %w", err))
			}
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("email mail from: %w", err)
	}
	for _, to := range s.cfg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("email rcpt %s: %w", to, err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("email data: %w", err)
	}
	if _, err := writer.Write(s.compose(msg)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("email write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("email submit: %w", err)
	}
	return client.Quit()
}

// compose builds RFC 5322 headers and body.
func (s *EmailSender) compose(msg Message) []byte {
	subject := fmt.Sprintf("%s %s", templatefmt.SeverityTag(msg.Event.Alert.Severity), msg.Event.Message)
	var b strings.Builder
	b.WriteString("From: " + s.cfg.From + "\r\n")
	b.WriteString("To: " + strings.Join(s.cfg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	b.WriteString("Date: " + msg.Event.Timestamp.Format("Mon, 02 Jan 2006 15:04:05 -0700") + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
