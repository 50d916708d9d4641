package sync

import (
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asgard-mail/core/internal/mailerr"
)

func TestXOAuth2String(t *testing.T) {
	got := xoauth2String("user@example.com", "ya29.token")
	assert.Equal(t, "user=user@example.com\x01auth=Bearer ya29.token\x01\x01", got)
}

func TestXOAuth2SASLClient(t *testing.T) {
	c := newXOAuth2Client("user@example.com", "tok")

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, []byte(xoauth2String("user@example.com", "tok")), ir)

	// An error challenge gets an empty response, not a failure.
	resp, err := c.Next([]byte(`{"status":"400"}`))
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestXOAuth2SMTPAuthRequiresTLS(t *testing.T) {
	auth := newXOAuth2SMTPAuth("user@example.com", "tok")

	_, _, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: false})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindTLS, mailerr.KindOf(err))

	mech, ir, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.NotEmpty(t, ir)
}

func TestXOAuth2SMTPAuthNext(t *testing.T) {
	auth := newXOAuth2SMTPAuth("user@example.com", "tok")

	resp, err := auth.Next([]byte("challenge"), true)
	require.NoError(t, err)
	assert.Empty(t, resp)

	resp, err = auth.Next(nil, false)
	require.NoError(t, err)
	assert.Nil(t, resp)
}
