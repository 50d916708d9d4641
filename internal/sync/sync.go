// Package sync owns the protocol engines and the manager that schedules them.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asgard-mail/core/internal/config"
	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/pkg/types"
)

// Status is the sync state of one account.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPaused
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result summarizes one completed sync cycle.
type Result struct {
	MessagesSynced  int           `json:"messages_synced"`
	NewMessages     int           `json:"new_messages"`
	UpdatedMessages int           `json:"updated_messages"`
	DeletedMessages int           `json:"deleted_messages"`
	Duration        time.Duration `json:"duration"`
	Err             error         `json:"-"`
}

// Stats aggregates sync activity across all accounts.
type Stats struct {
	TotalSyncs          uint64        `json:"total_syncs"`
	SuccessfulSyncs     uint64        `json:"successful_syncs"`
	FailedSyncs         uint64        `json:"failed_syncs"`
	TotalMessagesSynced uint64        `json:"total_messages_synced"`
	LastSync            time.Time     `json:"last_sync"`
	AverageDuration     time.Duration `json:"average_duration"`
}

// Engine is the protocol-specific session behind one account. Engines hold
// non-reentrant session state; the manager guarantees at most one cycle per
// account at a time.
type Engine interface {
	AccountID() uuid.UUID
	Status() Status
	LastResult() *Result

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SyncMailboxes(ctx context.Context) ([]*types.Mailbox, error)
	SyncMailboxMessages(ctx context.Context, mailbox *types.Mailbox) ([]*types.Message, error)
}

// TokenSource supplies OAuth2 access tokens. Refreshing expired tokens is the
// collaborator's job; an empty token here is a fatal-for-this-cycle auth error.
type TokenSource interface {
	AccessToken(ctx context.Context, account *types.Account) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context, account *types.Account) (string, error)

func (f TokenSourceFunc) AccessToken(ctx context.Context, account *types.Account) (string, error) {
	return f(ctx, account)
}

// NewEngine selects the engine implementation for an account type. Gmail and
// generic IMAP accounts both get the IMAP engine; only POP3 accounts get the
// (unimplemented) POP3 engine.
func NewEngine(account *types.Account, cfg *config.Config, tokens TokenSource, logger *logrus.Logger) (Engine, error) {
	switch account.Type {
	case types.AccountGmail, types.AccountImapSmtp:
		return NewIMAPEngine(account, cfg, tokens, logger), nil
	case types.AccountPop3:
		return NewPOP3Engine(account), nil
	default:
		return nil, mailerr.E(mailerr.KindValidation, "sync.new_engine",
			"unknown account type: "+string(account.Type))
	}
}

// engineState carries the status and last-result bookkeeping every engine
// embeds. Guarded by its own mutex so status queries never block on I/O.
type engineState struct {
	mu         stdsync.Mutex
	status     Status
	lastResult *Result
}

func (s *engineState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *engineState) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *engineState) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *engineState) setResult(result *Result) {
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
}
