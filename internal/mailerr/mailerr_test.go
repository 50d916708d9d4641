package mailerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := E(KindAuth, "imap.auth", "bad credentials")
	outer := fmt.Errorf("sync failed: %w", inner)

	assert.Equal(t, KindAuth, KindOf(outer))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindNetwork, "op", nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindNetwork, "imap.connect", cause)
	assert.ErrorIs(t, err, cause)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "imap.auth: auth: bad credentials",
		E(KindAuth, "imap.auth", "bad credentials").Error())

	wrapped := Wrap(KindNetwork, "imap.connect", errors.New("refused"))
	assert.Equal(t, "imap.connect: network: refused", wrapped.Error())
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsRetryable(E(KindNetwork, "op", "x")))
	assert.True(t, IsRetryable(E(KindTimeout, "op", "x")))
	assert.True(t, IsRetryable(E(KindTLS, "op", "x")))
	assert.False(t, IsRetryable(E(KindAuth, "op", "x")))
	assert.False(t, IsRetryable(E(KindValidation, "op", "x")))

	assert.True(t, IsAuth(E(KindAuth, "op", "x")))
	assert.True(t, IsNotFound(E(KindNotFound, "op", "x")))
	assert.True(t, IsUnsupported(E(KindUnsupported, "op", "x")))
	assert.False(t, IsAuth(errors.New("plain")))
}
