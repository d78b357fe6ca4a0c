// Package email sends severe notifications to operators over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/JakeFAU/multipublish/internal/domain"
)

const (
	defaultPort    = 587
	defaultTimeout = 30 * time.Second
)

// Config holds SMTP settings.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
	Timeout    time.Duration
}

// Sender delivers built messages. *mail.Client satisfies it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Channel renders notifications as plain-text mail.
type Channel struct {
	cfg    Config
	sender Sender
	now    func() time.Time
}

// New builds a Channel. A nil sender dials cfg.Host with go-mail,
// upgrading to TLS when the server offers it.
func New(cfg Config, sender Sender) (*Channel, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if sender == nil {
		client, err := newClient(cfg)
		if err != nil {
			return nil, err
		}
		sender = client
	}
	return &Channel{cfg: cfg, sender: sender, now: time.Now}, nil
}

func newClient(cfg Config) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return client, nil
}

// Name implements notify.Channel.
func (*Channel) Name() string { return "email" }

// Send implements notify.Channel. The returned id is the Message-ID header.
func (c *Channel) Send(ctx context.Context, n domain.Notification) (string, error) {
	if len(c.cfg.Recipients) == 0 {
		return "", errors.New("no email recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	id := c.messageID(n)
	msg, err := c.build(n, id)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return "<" + id + ">", nil
}

func (c *Channel) messageID(n domain.Notification) string {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	return fmt.Sprintf("%s.%d@%s", n.Type, ts.UnixNano(), c.cfg.Host)
}

// build assembles the message. Headers are encoded as RFC 2047 words by
// go-mail whenever they carry non-ASCII text.
func (c *Channel) build(n domain.Notification, id string) (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithCharset(mail.CharsetUTF8))
	if err := msg.From(c.cfg.From); err != nil {
		return nil, fmt.Errorf("set email sender: %w", err)
	}
	if err := msg.To(c.cfg.Recipients...); err != nil {
		return nil, fmt.Errorf("set email recipients: %w", err)
	}
	msg.Subject("[multipublish] " + singleLine(n.Title))
	msg.SetMessageIDWithValue(id)
	msg.SetDateWithValue(c.now())
	msg.SetBodyString(mail.TypeTextPlain, c.body(n))
	return msg, nil
}

func (c *Channel) body(n domain.Notification) string {
	var b strings.Builder
	b.WriteString(n.Message)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Type: %s\n", n.Type)
	if !n.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Raised: %s\n", n.Timestamp.Format(time.RFC3339))
	}
	for _, kv := range [][2]string{{"User", n.UserID}, {"Article", n.ArticleID}, {"Platform", n.Platform}} {
		if kv[1] != "" {
			fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
		}
	}
	keys := make([]string, 0, len(n.Metadata))
	for k := range n.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, n.Metadata[k])
	}
	return b.String()
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
