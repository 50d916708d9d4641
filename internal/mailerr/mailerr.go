// Package mailerr defines the error taxonomy shared by the sync engines,
// the manager and the caches. Callers pick retry policy from the Kind.
package mailerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork covers dial and socket failures. Retryable.
	KindNetwork
	// KindTimeout covers deadline expirations. Retryable.
	KindTimeout
	// KindTLS covers handshake and certificate failures.
	KindTLS
	// KindAuth covers bad credentials and missing/expired OAuth tokens.
	// Never auto-retried; requires user action.
	KindAuth
	// KindProtocol covers malformed server responses.
	KindProtocol
	// KindValidation covers malformed local data or invalid state.
	KindValidation
	// KindNotFound covers unknown account, mailbox or message ids.
	KindNotFound
	// KindUnsupported covers operations a backend does not implement.
	KindUnsupported
	// KindStorage covers persistence failures.
	KindStorage
	// KindCache covers content cache failures.
	KindCache
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindTLS:
		return "tls"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindStorage:
		return "storage"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the failing operation
// ("imap.connect", "cache.store"), Err is the underlying cause if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a new classified error with a literal message.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, walking the wrap chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the next scheduled sync tick may reasonably
// retry after this error.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindTLS:
		return true
	}
	return false
}

// IsAuth reports whether this error needs user action before any retry.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnsupported reports whether err marks an unimplemented operation.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}
