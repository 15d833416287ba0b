package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig configures the email channel. An empty Host or recipient list
// leaves the channel unconfigured.
//
// Two connection modes depending on TLS:
//   - true:  implicit TLS (SMTPS, typically port 465) via tls.Dial
//   - false: plaintext or STARTTLS (typically port 587) via smtp.SendMail
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
	TLS      bool
}

// emailChannel delivers notifications via SMTP.
type emailChannel struct {
	cfg SMTPConfig
}

func newEmailChannel(cfg SMTPConfig) *emailChannel {
	return &emailChannel{cfg: cfg}
}

func (c *emailChannel) ID() ChannelID { return ChannelEmail }

func (c *emailChannel) Configured() bool {
	return c.cfg.Host != "" && len(c.cfg.To) > 0
}

// Deliver composes and sends the message to every configured recipient.
func (c *emailChannel) Deliver(_ context.Context, msg *Message) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	body := buildEmail(c.cfg.From, c.cfg.To, msg.Subject, msg.Body)
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	if c.cfg.TLS {
		return c.sendTLS(addr, body)
	}
	return c.sendPlain(addr, body)
}

// sendPlain uses smtp.SendMail which handles both plaintext and STARTTLS
// negotiation automatically. Suitable for port 25 and 587.
func (c *emailChannel) sendPlain(addr string, msg []byte) error {
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, c.cfg.From, c.cfg.To, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// sendTLS establishes an implicit TLS connection (SMTPS) before the SMTP
// handshake. Required for servers that expect TLS from the first byte.
func (c *emailChannel) sendTLS(addr string, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range c.cfg.To {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}

	return client.Quit()
}

// buildEmail composes a minimal RFC 5322 email message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
