package sync

import (
	"context"

	"github.com/google/uuid"

	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/pkg/types"
)

// POP3Engine is a placeholder for POP3 accounts. Every operation fails with
// an unsupported error; the account surfaces as permanently errored rather
// than silently skipped.
type POP3Engine struct {
	engineState

	account *types.Account
}

var _ Engine = (*POP3Engine)(nil)

func NewPOP3Engine(account *types.Account) *POP3Engine {
	return &POP3Engine{account: account}
}

func (e *POP3Engine) AccountID() uuid.UUID {
	return e.account.ID
}

func (e *POP3Engine) Connect(ctx context.Context) error {
	return mailerr.E(mailerr.KindUnsupported, "pop3.connect", "POP3 sync is not implemented")
}

func (e *POP3Engine) Disconnect(ctx context.Context) error {
	return nil
}

func (e *POP3Engine) SyncMailboxes(ctx context.Context) ([]*types.Mailbox, error) {
	return nil, mailerr.E(mailerr.KindUnsupported, "pop3.sync_mailboxes", "POP3 sync is not implemented")
}

func (e *POP3Engine) SyncMailboxMessages(ctx context.Context, mailbox *types.Mailbox) ([]*types.Message, error) {
	return nil, mailerr.E(mailerr.KindUnsupported, "pop3.sync_messages", "POP3 sync is not implemented")
}
