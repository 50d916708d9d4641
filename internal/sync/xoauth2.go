package sync

import (
	"fmt"
	"net/smtp"

	"github.com/emersion/go-sasl"

	"github.com/asgard-mail/core/internal/mailerr"
)

// xoauth2String builds the SASL XOAUTH2 bearer payload shared by IMAP and
// SMTP: "user=<email>\x01auth=Bearer <token>\x01\x01". The transport layer
// base64-encodes it on the wire.
func xoauth2String(email, token string) string {
	return fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", email, token)
}

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism used by
// Gmail and Outlook. go-sasl ships OAUTHBEARER but not this older variant.
type xoauth2Client struct {
	email string
	token string
}

func newXOAuth2Client(email, token string) sasl.Client {
	return &xoauth2Client{email: email, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(xoauth2String(c.email, c.token)), nil
}

// Next handles the error challenge: the server sends a base64 JSON blob and
// expects an empty response before failing the exchange.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// xoauth2SMTPAuth adapts the same mechanism to net/smtp's Auth interface.
type xoauth2SMTPAuth struct {
	email string
	token string
}

func newXOAuth2SMTPAuth(email, token string) smtp.Auth {
	return &xoauth2SMTPAuth{email: email, token: token}
}

func (a *xoauth2SMTPAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, mailerr.E(mailerr.KindTLS, "smtp.auth", "XOAUTH2 requires a TLS connection")
	}
	return "XOAUTH2", []byte(xoauth2String(a.email, a.token)), nil
}

func (a *xoauth2SMTPAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
