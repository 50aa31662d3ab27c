package endpoint

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailTransport delivers email and email_json notifications over SMTP.
type EmailTransport struct {
	cfg      SMTPConfig
	auth     smtp.Auth
	sendMail SendMailFunc
	now      func() time.Time
}

// EmailOption configures an EmailTransport.
type EmailOption func(*EmailTransport)

// WithSendMail replaces smtp.SendMail.
func WithSendMail(fn SendMailFunc) EmailOption {
	return func(t *EmailTransport) {
		if fn != nil {
			t.sendMail = fn
		}
	}
}

// NewEmailTransport validates cfg and creates an EmailTransport.
func NewEmailTransport(cfg SMTPConfig, opts ...EmailOption) (*EmailTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: invalid from address: %w", err)
	}

	t := &EmailTransport{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		t.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Factory returns a Publisher factory. jsonBody marks email_json
// deliveries, which carry the payload as application/json.
func (t *EmailTransport) Factory(jsonBody bool) Factory {
	return func() Publisher { return &EmailPublisher{transport: t, json: jsonBody} }
}

// EmailPublisher mails the message to the endpoint address.
type EmailPublisher struct {
	base
	transport *EmailTransport
	json      bool
}

// Send implements Publisher.
func (p *EmailPublisher) Send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	to, err := mail.ParseAddress(p.endpoint)
	if err != nil {
		return fmt.Errorf("invalid email endpoint %q: %w", p.endpoint, err)
	}

	subject := p.subject
	if subject == "" {
		subject = "CNS Notification"
	}
	contentType := "text/plain; charset=UTF-8"
	if p.json {
		contentType = "application/json; charset=UTF-8"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.transport.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mimeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", p.transport.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	if p.user.ID != "" {
		fmt.Fprintf(&b, "X-Cns-Owner: %s\r\n", p.user.ID)
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(p.message, "\n", "\r\n"))

	from, _ := mail.ParseAddress(p.transport.cfg.From)
	addr := net.JoinHostPort(p.transport.cfg.Host, strconv.Itoa(p.transport.cfg.Port))
	if err := p.transport.sendMail(addr, p.transport.auth, from.Address, []string{to.Address}, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to.Address, err)
	}
	return nil
}

// mimeHeader Q-encodes non-ASCII header values and strips line breaks.
func mimeHeader(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	return mime.QEncoding.Encode("UTF-8", s)
}
