package sync

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asgard-mail/core/internal/config"
	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/pkg/types"
)

// OutgoingMessage is a message to be submitted over SMTP.
type OutgoingMessage struct {
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	BodyText  string
	BodyHTML  string
	InReplyTo string
}

// SMTPSender submits messages for one account. Each Send opens and closes its
// own connection; SMTP sessions are cheap and submission is infrequent.
type SMTPSender struct {
	account *types.Account
	timeout time.Duration
	tokens  TokenSource
	logger  *logrus.Logger
}

// NewSMTPSender creates a sender for the account.
func NewSMTPSender(account *types.Account, cfg *config.Config, tokens TokenSource, logger *logrus.Logger) *SMTPSender {
	return &SMTPSender{
		account: account,
		timeout: cfg.SyncTimeout,
		tokens:  tokens,
		logger:  logger,
	}
}

// Send submits the message. Implicit TLS on port 465 style configs, STARTTLS
// otherwise when enabled.
func (s *SMTPSender) Send(ctx context.Context, msg *OutgoingMessage) error {
	srv := s.account.SMTP
	if srv == nil {
		return mailerr.E(mailerr.KindValidation, "smtp.send", "account has no SMTP configuration")
	}
	if len(msg.To) == 0 {
		return mailerr.E(mailerr.KindValidation, "smtp.send", "no recipients")
	}
	if msg.From == "" {
		msg.From = s.account.Email
	}

	auth, err := s.auth(ctx, srv)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	c, err := s.dial(srv, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return mailerr.Wrap(mailerr.KindAuth, "smtp.send", err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return mailerr.Wrap(mailerr.KindProtocol, "smtp.send", err)
	}
	for _, rcpt := range allRecipients(msg) {
		if err := c.Rcpt(rcpt); err != nil {
			return mailerr.Wrap(mailerr.KindProtocol, "smtp.send", err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return mailerr.Wrap(mailerr.KindProtocol, "smtp.send", err)
	}
	if _, err := w.Write(buildMIME(msg)); err != nil {
		w.Close()
		return mailerr.Wrap(mailerr.KindNetwork, "smtp.send", err)
	}
	if err := w.Close(); err != nil {
		return mailerr.Wrap(mailerr.KindProtocol, "smtp.send", err)
	}
	if err := c.Quit(); err != nil {
		return mailerr.Wrap(mailerr.KindNetwork, "smtp.send", err)
	}

	s.logger.WithFields(logrus.Fields{
		"account":    s.account.Email,
		"recipients": len(allRecipients(msg)),
	}).Info("Message sent")
	return nil
}

func (s *SMTPSender) dial(srv *types.ServerConfig, addr string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: srv.Host}

	if srv.UseTLS {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: s.timeout}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, classifyDialErr("smtp.dial", err)
		}
		c, err := smtp.NewClient(conn, srv.Host)
		if err != nil {
			conn.Close()
			return nil, mailerr.Wrap(mailerr.KindProtocol, "smtp.dial", err)
		}
		return c, nil
	}

	conn, err := net.DialTimeout("tcp", addr, s.timeout)
	if err != nil {
		return nil, classifyDialErr("smtp.dial", err)
	}
	c, err := smtp.NewClient(conn, srv.Host)
	if err != nil {
		conn.Close()
		return nil, mailerr.Wrap(mailerr.KindProtocol, "smtp.dial", err)
	}
	if srv.UseStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, mailerr.Wrap(mailerr.KindTLS, "smtp.dial", err)
		}
	}
	return c, nil
}

func (s *SMTPSender) auth(ctx context.Context, srv *types.ServerConfig) (smtp.Auth, error) {
	switch s.account.Auth {
	case types.AuthOAuth2:
		if s.tokens == nil {
			return nil, mailerr.E(mailerr.KindAuth, "smtp.auth", "no token source configured for oauth2 account")
		}
		token, err := s.tokens.AccessToken(ctx, s.account)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindAuth, "smtp.auth", err)
		}
		if token == "" {
			return nil, mailerr.E(mailerr.KindAuth, "smtp.auth", "empty access token")
		}
		return newXOAuth2SMTPAuth(s.account.Email, token), nil
	case types.AuthPassword:
		if srv.Password == "" {
			return nil, nil
		}
		return smtp.PlainAuth("", srv.Username, srv.Password, srv.Host), nil
	default:
		return nil, mailerr.E(mailerr.KindValidation, "smtp.auth",
			fmt.Sprintf("unknown auth method: %s", s.account.Auth))
	}
}

func allRecipients(msg *OutgoingMessage) []string {
	out := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	out = append(out, msg.To...)
	out = append(out, msg.Cc...)
	out = append(out, msg.Bcc...)
	return out
}

// buildMIME renders the message. Text-only bodies go out as plain text;
// when HTML is present the parts are wrapped in multipart/alternative.
func buildMIME(msg *OutgoingMessage) []byte {
	var b strings.Builder

	writeHeader := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	writeHeader("From", msg.From)
	writeHeader("To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		writeHeader("Cc", strings.Join(msg.Cc, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-Id", fmt.Sprintf("<%s@asgard-mail>", uuid.NewString()))
	if msg.InReplyTo != "" {
		writeHeader("In-Reply-To", msg.InReplyTo)
		writeHeader("References", msg.InReplyTo)
	}
	writeHeader("MIME-Version", "1.0")

	if msg.BodyHTML == "" {
		writeHeader("Content-Type", `text/plain; charset="utf-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.BodyText)
		b.WriteString("\r\n")
		return []byte(b.String())
	}

	boundary := "b-" + uuid.NewString()
	writeHeader("Content-Type", fmt.Sprintf(`multipart/alternative; boundary=%q`, boundary))
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.BodyText)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.BodyHTML)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}
