package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/mailerr"
)

// OutgoingMessage represents an email to be sent
type OutgoingMessage struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyText    string
	BodyHTML    string
	Attachments []OutgoingAttachment
	ReplyTo     string
	InReplyTo   string
}

// OutgoingAttachment is a file attached to an outgoing message
type OutgoingAttachment struct {
	Filename string
	Content  []byte
	MimeType string
}

// Sender delivers outgoing mail for an account
type Sender interface {
	Send(ctx context.Context, acc *config.AccountConfig, msg *OutgoingMessage) (string, error)
}

// SMTPSender sends through the account's SMTP server
type SMTPSender struct {
	logger *logrus.Logger
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(logger *logrus.Logger) *SMTPSender {
	return &SMTPSender{logger: logger}
}

// Send sends msg and returns its Message-ID
func (c *SMTPSender) Send(ctx context.Context, acc *config.AccountConfig, msg *OutgoingMessage) (string, error) {
	if acc.SMTPHost == "" {
		return "", mailerr.Errorf(mailerr.KindInvalid, "send", "account %s has no SMTP server configured", acc.Key)
	}

	messageID, raw, err := BuildMessage(acc, msg)
	if err != nil {
		return "", mailerr.E(mailerr.KindInvalid, "send", fmt.Errorf("failed to create message: %w", err))
	}

	addr := net.JoinHostPort(acc.SMTPHost, strconv.Itoa(acc.SMTPPort))
	tlsConfig := &tls.Config{ServerName: acc.SMTPHost, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{}

	var conn net.Conn
	// Implicit TLS on 465, STARTTLS otherwise
	if acc.SMTPPort == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return "", mailerr.E(transportKind(err), "smtp connect", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, acc.SMTPHost)
	if err != nil {
		return "", mailerr.E(transportKind(err), "smtp connect", err)
	}
	defer client.Close()

	if acc.SMTPPort != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return "", mailerr.E(mailerr.KindNetwork, "smtp starttls", err)
			}
		}
	}

	if acc.SMTPPassword != "" {
		auth := smtp.PlainAuth("", acc.SMTPUsername, acc.SMTPPassword, acc.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return "", mailerr.E(mailerr.KindAuth, "smtp auth", err)
		}
	}

	if err := client.Mail(senderAddress(acc)); err != nil {
		return "", fmt.Errorf("failed to set sender: %w", err)
	}

	for _, to := range Recipients(msg) {
		if err := client.Rcpt(to); err != nil {
			return "", fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("failed to send data command: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := client.Quit(); err != nil && c.logger != nil {
		c.logger.WithError(err).Debug("SMTP QUIT failed after successful delivery")
	}
	return messageID, nil
}

// Recipients returns the envelope recipients of msg. Display names are
// stripped; entries that do not parse are kept as given.
func Recipients(msg *OutgoingMessage) []string {
	var out []string
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, r := range list {
			if r = strings.TrimSpace(r); r == "" {
				continue
			}
			if addr, err := mail.ParseAddress(r); err == nil {
				r = addr.Address
			}
			out = append(out, r)
		}
	}
	return out
}

func senderAddress(acc *config.AccountConfig) string {
	if acc.Email != "" {
		return acc.Email
	}
	return acc.SMTPUsername
}

// BuildMessage renders msg as MIME. Bcc recipients never appear in headers.
func BuildMessage(acc *config.AccountConfig, msg *OutgoingMessage) (string, []byte, error) {
	from := senderAddress(acc)
	domain := "localhost"
	if at := strings.LastIndexByte(from, '@'); at >= 0 {
		domain = from[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	builder := enmime.Builder().
		From("", from).
		Subject(msg.Subject).
		Header("Message-ID", messageID)

	to, err := parseList(msg.To)
	if err != nil {
		return "", nil, err
	}
	cc, err := parseList(msg.Cc)
	if err != nil {
		return "", nil, err
	}
	bcc, err := parseList(msg.Bcc)
	if err != nil {
		return "", nil, err
	}
	builder = builder.ToAddrs(to).CCAddrs(cc).BCCAddrs(bcc)

	if msg.ReplyTo != "" {
		builder = builder.ReplyTo("", msg.ReplyTo)
	}
	if msg.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", msg.InReplyTo).Header("References", msg.InReplyTo)
	}
	if msg.BodyText != "" {
		builder = builder.Text([]byte(msg.BodyText))
	}
	if msg.BodyHTML != "" {
		builder = builder.HTML([]byte(msg.BodyHTML))
	}
	for _, a := range msg.Attachments {
		builder = builder.AddAttachment(a.Content, a.MimeType, a.Filename)
	}

	part, err := builder.Build()
	if err != nil {
		return "", nil, err
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return "", nil, err
	}
	return messageID, buf.Bytes(), nil
}

func parseList(list []string) ([]mail.Address, error) {
	var out []mail.Address
	for _, s := range list {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out = append(out, *addr)
	}
	return out, nil
}
