package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/pkg/types"
)

// Store is the persistence boundary the sync manager talks to. Any engine
// satisfying these signatures is substitutable.
type Store interface {
	CreateAccount(account *types.Account) error
	GetAccount(id uuid.UUID) (*types.Account, error)
	UpdateAccount(account *types.Account) error
	DeleteAccount(id uuid.UUID) error
	ListAccounts() ([]*types.Account, error)

	// CreateMailbox upserts by (account, name) and rewrites the mailbox id
	// to the stored one, so repeated syncs keep stable mailbox identity.
	CreateMailbox(mailbox *types.Mailbox) error
	GetMailbox(id uuid.UUID) (*types.Mailbox, error)
	UpdateMailbox(mailbox *types.Mailbox) error
	ListMailboxes(accountID uuid.UUID) ([]*types.Mailbox, error)

	CreateMessage(message *types.Message) error
	GetMessage(id uuid.UUID) (*types.Message, error)
	// GetMessageByMessageID returns (nil, nil) when no such message exists.
	GetMessageByMessageID(accountID uuid.UUID, messageID string) (*types.Message, error)
	// GetMessageByUID returns (nil, nil) when no such message exists.
	GetMessageByUID(mailboxID uuid.UUID, uid string) (*types.Message, error)
	UpdateMessage(message *types.Message) error
	ListMessages(accountID uuid.UUID, folder string) ([]*types.Message, error)
}

// SQLStore implements Store on SQLite.
type SQLStore struct {
	db     *DB
	logger *logrus.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store over an open database.
func NewSQLStore(db *DB, logger *logrus.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) CreateAccount(account *types.Account) error {
	imapJSON, smtpJSON, err := marshalServerConfigs(account)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO accounts (id, email, display_name, type, auth, imap_config, smtp_config, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.DB().Exec(query,
		account.ID.String(), account.Email, account.DisplayName,
		string(account.Type), string(account.Auth), imapJSON, smtpJSON,
		string(account.Status), account.LastError,
		fmtTime(account.CreatedAt), fmtTime(account.UpdatedAt),
	)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.create_account", err)
	}
	return nil
}

func (s *SQLStore) GetAccount(id uuid.UUID) (*types.Account, error) {
	query := `
		SELECT id, email, display_name, type, auth, imap_config, smtp_config, status, last_error, created_at, updated_at
		FROM accounts WHERE id = ?
	`
	account, err := scanAccount(s.db.DB().QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, mailerr.E(mailerr.KindNotFound, "storage.get_account", fmt.Sprintf("account not found: %s", id))
	}
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "storage.get_account", err)
	}
	return account, nil
}

func (s *SQLStore) UpdateAccount(account *types.Account) error {
	imapJSON, smtpJSON, err := marshalServerConfigs(account)
	if err != nil {
		return err
	}
	account.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE accounts SET email = ?, display_name = ?, type = ?, auth = ?, imap_config = ?, smtp_config = ?, status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = s.db.DB().Exec(query,
		account.Email, account.DisplayName, string(account.Type), string(account.Auth),
		imapJSON, smtpJSON, string(account.Status), account.LastError,
		fmtTime(account.UpdatedAt), account.ID.String(),
	)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.update_account", err)
	}
	return nil
}

func (s *SQLStore) DeleteAccount(id uuid.UUID) error {
	_, err := s.db.DB().Exec("DELETE FROM accounts WHERE id = ?", id.String())
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.delete_account", err)
	}
	return nil
}

func (s *SQLStore) ListAccounts() ([]*types.Account, error) {
	query := `
		SELECT id, email, display_name, type, auth, imap_config, smtp_config, status, last_error, created_at, updated_at
		FROM accounts ORDER BY created_at
	`
	rows, err := s.db.DB().Query(query)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "storage.list_accounts", err)
	}
	defer rows.Close()

	var accounts []*types.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindStorage, "storage.list_accounts", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *SQLStore) CreateMailbox(mailbox *types.Mailbox) error {
	// Keep mailbox identity stable across sync cycles.
	var existingID string
	err := s.db.DB().QueryRow(
		"SELECT id FROM mailboxes WHERE account_id = ? AND name = ?",
		mailbox.AccountID.String(), mailbox.Name,
	).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		query := `
			INSERT INTO mailboxes (id, account_id, name, type, total_messages, unseen_messages, last_synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err = s.db.DB().Exec(query,
			mailbox.ID.String(), mailbox.AccountID.String(), mailbox.Name, string(mailbox.Type),
			mailbox.TotalMessages, mailbox.UnseenMessages, fmtTime(mailbox.LastSyncedAt),
		)
		if err != nil {
			return mailerr.Wrap(mailerr.KindStorage, "storage.create_mailbox", err)
		}
		return nil
	case err != nil:
		return mailerr.Wrap(mailerr.KindStorage, "storage.create_mailbox", err)
	}

	id, err := uuid.Parse(existingID)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.create_mailbox", err)
	}
	mailbox.ID = id
	return s.UpdateMailbox(mailbox)
}

func (s *SQLStore) GetMailbox(id uuid.UUID) (*types.Mailbox, error) {
	query := `
		SELECT id, account_id, name, type, total_messages, unseen_messages, last_synced_at
		FROM mailboxes WHERE id = ?
	`
	mailbox, err := scanMailbox(s.db.DB().QueryRow(query, id.String()))
	if err == sql.ErrNoRows {
		return nil, mailerr.E(mailerr.KindNotFound, "storage.get_mailbox", fmt.Sprintf("mailbox not found: %s", id))
	}
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "storage.get_mailbox", err)
	}
	return mailbox, nil
}

func (s *SQLStore) UpdateMailbox(mailbox *types.Mailbox) error {
	query := `
		UPDATE mailboxes SET name = ?, type = ?, total_messages = ?, unseen_messages = ?, last_synced_at = ?
		WHERE id = ?
	`
	_, err := s.db.DB().Exec(query,
		mailbox.Name, string(mailbox.Type), mailbox.TotalMessages, mailbox.UnseenMessages,
		fmtTime(mailbox.LastSyncedAt), mailbox.ID.String(),
	)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.update_mailbox", err)
	}
	return nil
}

func (s *SQLStore) ListMailboxes(accountID uuid.UUID) ([]*types.Mailbox, error) {
	query := `
		SELECT id, account_id, name, type, total_messages, unseen_messages, last_synced_at
		FROM mailboxes WHERE account_id = ? ORDER BY name
	`
	rows, err := s.db.DB().Query(query, accountID.String())
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "storage.list_mailboxes", err)
	}
	defer rows.Close()

	var mailboxes []*types.Mailbox
	for rows.Next() {
		mailbox, err := scanMailbox(rows)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindStorage, "storage.list_mailboxes", err)
		}
		mailboxes = append(mailboxes, mailbox)
	}
	return mailboxes, rows.Err()
}

func (s *SQLStore) CreateMessage(message *types.Message) error {
	refsJSON, err := json.Marshal(message.Meta.References)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.create_message", err)
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	query := `
		INSERT INTO messages (id, account_id, mailbox_id, uid, folder, date, sender, subject, body_preview,
			has_attachments, is_read, is_outgoing, message_id, in_reply_to, refs, server_thread_id,
			body_text, body_html, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.DB().Exec(query,
		message.ID.String(), message.AccountID.String(), message.MailboxID.String(),
		message.Meta.UID, message.Meta.Folder, fmtTime(message.Meta.Date),
		message.Meta.From, message.Meta.Subject, message.Meta.BodyPreview,
		boolInt(message.Meta.HasAttachments), boolInt(message.Meta.IsRead), boolInt(message.Meta.IsOutgoing),
		message.Meta.MessageID, message.Meta.InReplyTo, string(refsJSON), message.Meta.ServerThreadID,
		message.BodyText, message.BodyHTML, fmtTime(message.CreatedAt), fmtTime(message.UpdatedAt),
	)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.create_message", err)
	}
	return nil
}

func (s *SQLStore) GetMessage(id uuid.UUID) (*types.Message, error) {
	message, err := s.queryMessage("id = ?", id.String())
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, mailerr.E(mailerr.KindNotFound, "storage.get_message", fmt.Sprintf("message not found: %s", id))
	}
	return message, nil
}

func (s *SQLStore) GetMessageByMessageID(accountID uuid.UUID, messageID string) (*types.Message, error) {
	if messageID == "" {
		return nil, nil
	}
	return s.queryMessage("account_id = ? AND message_id = ?", accountID.String(), messageID)
}

func (s *SQLStore) GetMessageByUID(mailboxID uuid.UUID, uid string) (*types.Message, error) {
	return s.queryMessage("mailbox_id = ? AND uid = ?", mailboxID.String(), uid)
}

func (s *SQLStore) UpdateMessage(message *types.Message) error {
	refsJSON, err := json.Marshal(message.Meta.References)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.update_message", err)
	}
	message.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE messages SET mailbox_id = ?, uid = ?, folder = ?, date = ?, sender = ?, subject = ?,
			body_preview = ?, has_attachments = ?, is_read = ?, is_outgoing = ?, message_id = ?,
			in_reply_to = ?, refs = ?, server_thread_id = ?, body_text = ?, body_html = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = s.db.DB().Exec(query,
		message.MailboxID.String(), message.Meta.UID, message.Meta.Folder, fmtTime(message.Meta.Date),
		message.Meta.From, message.Meta.Subject, message.Meta.BodyPreview,
		boolInt(message.Meta.HasAttachments), boolInt(message.Meta.IsRead), boolInt(message.Meta.IsOutgoing),
		message.Meta.MessageID, message.Meta.InReplyTo, string(refsJSON), message.Meta.ServerThreadID,
		message.BodyText, message.BodyHTML, fmtTime(message.UpdatedAt), message.ID.String(),
	)
	if err != nil {
		return mailerr.Wrap(mailerr.KindStorage, "storage.update_message", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(accountID uuid.UUID, folder string) ([]*types.Message, error) {
	query := messageSelect + " WHERE account_id = ?"
	args := []interface{}{accountID.String()}
	if folder != "" {
		query += " AND folder = ?"
		args = append(args, folder)
	}
	query += " ORDER BY date"

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "storage.list_messages", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindStorage, "storage.list_messages", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

const messageSelect = `
	SELECT id, account_id, mailbox_id, uid, folder, date, sender, subject, body_preview,
		has_attachments, is_read, is_outgoing, message_id, in_reply_to, refs, server_thread_id,
		body_text, body_html, created_at, updated_at
	FROM messages
`

func (s *SQLStore) queryMessage(where string, args ...interface{}) (*types.Message, error) {
	row := s.db.DB().QueryRow(messageSelect+" WHERE "+where, args...)
	message, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "storage.get_message", err)
	}
	return message, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*types.Account, error) {
	var (
		account              types.Account
		id                   string
		accType, auth        string
		imapJSON, smtpJSON   sql.NullString
		status               string
		lastError            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &account.Email, &account.DisplayName, &accType, &auth,
		&imapJSON, &smtpJSON, &status, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	account.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	account.Type = types.AccountType(accType)
	account.Auth = types.AuthMethod(auth)
	account.Status = types.AccountStatus(status)
	account.LastError = lastError.String
	if account.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if account.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if imapJSON.Valid && imapJSON.String != "" {
		account.IMAP = &types.ServerConfig{}
		if err := json.Unmarshal([]byte(imapJSON.String), account.IMAP); err != nil {
			return nil, err
		}
	}
	if smtpJSON.Valid && smtpJSON.String != "" {
		account.SMTP = &types.ServerConfig{}
		if err := json.Unmarshal([]byte(smtpJSON.String), account.SMTP); err != nil {
			return nil, err
		}
	}
	return &account, nil
}

func scanMailbox(row scanner) (*types.Mailbox, error) {
	var (
		mailbox      types.Mailbox
		id, accID    string
		mbType       string
		lastSyncedAt sql.NullString
	)
	err := row.Scan(&id, &accID, &mailbox.Name, &mbType,
		&mailbox.TotalMessages, &mailbox.UnseenMessages, &lastSyncedAt)
	if err != nil {
		return nil, err
	}

	if mailbox.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if mailbox.AccountID, err = uuid.Parse(accID); err != nil {
		return nil, err
	}
	mailbox.Type = types.MailboxType(mbType)
	if lastSyncedAt.Valid && lastSyncedAt.String != "" {
		if mailbox.LastSyncedAt, err = parseTime(lastSyncedAt.String); err != nil {
			return nil, err
		}
	}
	return &mailbox, nil
}

func scanMessage(row scanner) (*types.Message, error) {
	var (
		message                      types.Message
		id, accID, mbID              string
		date, createdAt, updatedAt   string
		hasAttach, isRead, isOutgoing int
		refsJSON                     sql.NullString
	)
	err := row.Scan(&id, &accID, &mbID, &message.Meta.UID, &message.Meta.Folder, &date,
		&message.Meta.From, &message.Meta.Subject, &message.Meta.BodyPreview,
		&hasAttach, &isRead, &isOutgoing,
		&message.Meta.MessageID, &message.Meta.InReplyTo, &refsJSON, &message.Meta.ServerThreadID,
		&message.BodyText, &message.BodyHTML, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if message.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if message.AccountID, err = uuid.Parse(accID); err != nil {
		return nil, err
	}
	if message.MailboxID, err = uuid.Parse(mbID); err != nil {
		return nil, err
	}
	if message.Meta.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if message.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if message.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	message.Meta.HasAttachments = hasAttach != 0
	message.Meta.IsRead = isRead != 0
	message.Meta.IsOutgoing = isOutgoing != 0
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &message.Meta.References); err != nil {
			return nil, err
		}
	}
	return &message, nil
}

func marshalServerConfigs(account *types.Account) (string, string, error) {
	var imapJSON, smtpJSON string
	if account.IMAP != nil {
		b, err := json.Marshal(account.IMAP)
		if err != nil {
			return "", "", mailerr.Wrap(mailerr.KindStorage, "storage.marshal_account", err)
		}
		imapJSON = string(b)
	}
	if account.SMTP != nil {
		b, err := json.Marshal(account.SMTP)
		if err != nil {
			return "", "", mailerr.Wrap(mailerr.KindStorage, "storage.marshal_account", err)
		}
		smtpJSON = string(b)
	}
	return imapJSON, smtpJSON, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
