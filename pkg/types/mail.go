package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountType identifies which protocol family an account syncs over.
type AccountType string

const (
	AccountGmail    AccountType = "gmail"
	AccountImapSmtp AccountType = "imap_smtp"
	AccountPop3     AccountType = "pop3"
)

// AuthMethod identifies how an account authenticates against its servers.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

// AccountStatus is the user-visible connection state of an account.
type AccountStatus string

const (
	AccountOnline          AccountStatus = "online"
	AccountOffline         AccountStatus = "offline"
	AccountAuthError       AccountStatus = "auth_error"
	AccountConnectionError AccountStatus = "connection_error"
)

// ServerConfig holds the connection settings for one server endpoint.
type ServerConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	UseStartTLS bool   `json:"use_starttls"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
}

// Account is a configured mail account. Persisted by the Storage collaborator.
type Account struct {
	ID          uuid.UUID     `json:"id"`
	Email       string        `json:"email"`
	DisplayName string        `json:"display_name,omitempty"`
	Type        AccountType   `json:"type"`
	Auth        AuthMethod    `json:"auth"`
	IMAP        *ServerConfig `json:"imap,omitempty"`
	SMTP        *ServerConfig `json:"smtp,omitempty"`
	Status      AccountStatus `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// MailboxType is the canonical role of a mailbox, independent of its server name.
type MailboxType string

const (
	MailboxInbox   MailboxType = "inbox"
	MailboxSent    MailboxType = "sent"
	MailboxDrafts  MailboxType = "drafts"
	MailboxTrash   MailboxType = "trash"
	MailboxSpam    MailboxType = "spam"
	MailboxArchive MailboxType = "archive"
	MailboxCustom  MailboxType = "custom"
)

// Mailbox is a folder on the server, persisted by the Storage collaborator.
type Mailbox struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	Name           string      `json:"name"`
	Type           MailboxType `json:"type"`
	TotalMessages  int         `json:"total_messages"`
	UnseenMessages int         `json:"unseen_messages"`
	LastSyncedAt   time.Time   `json:"last_synced_at"`
}

// MsgMeta is the immutable metadata snapshot a sync engine produces for one
// message. It carries everything the threading engine needs.
type MsgMeta struct {
	UID            string    `json:"uid"`
	Folder         string    `json:"folder"`
	Date           time.Time `json:"date"`
	From           string    `json:"from"`
	Subject        string    `json:"subject"`
	BodyPreview    string    `json:"body_preview"`
	HasAttachments bool      `json:"has_attachments"`
	IsRead         bool      `json:"is_read"`
	IsOutgoing     bool      `json:"is_outgoing"`

	// Threading headers. Empty strings mean the header was absent.
	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	// Provider conversation hint, e.g. Gmail X-GM-THRID.
	ServerThreadID string `json:"server_thread_id,omitempty"`
}

// Message is the full persisted message entity.
type Message struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	MailboxID uuid.UUID `json:"mailbox_id"`
	Meta      MsgMeta   `json:"meta"`
	BodyText  string    `json:"body_text,omitempty"`
	BodyHTML  string    `json:"body_html,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Thread is a derived conversation view. Never persisted; computed on demand
// from stored MsgMeta slices. Messages are sorted oldest to newest.
type Thread struct {
	ID                  string    `json:"id"`
	Subject             string    `json:"subject"`
	Messages            []MsgMeta `json:"messages"`
	LastDate            time.Time `json:"last_date"`
	AnyUnread           bool      `json:"any_unread"`
	HasAttachments      bool      `json:"has_attachments"`
	LastIsOutgoingReply bool      `json:"last_is_outgoing_reply"`
}

// NewThread builds a thread summary from an already date-sorted message slice.
func NewThread(id, subject string, messages []MsgMeta) Thread {
	t := Thread{
		ID:       id,
		Subject:  subject,
		Messages: messages,
	}
	for _, m := range messages {
		if !m.IsRead {
			t.AnyUnread = true
		}
		if m.HasAttachments {
			t.HasAttachments = true
		}
	}
	if last := t.Last(); last != nil {
		t.LastDate = last.Date
		t.LastIsOutgoingReply = last.IsOutgoing &&
			(last.InReplyTo != "" || strings.HasPrefix(last.Subject, "Re:"))
	}
	return t
}

// Last returns the most recent message in the thread, or nil if empty.
func (t *Thread) Last() *MsgMeta {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// Count returns the number of messages in the thread.
func (t *Thread) Count() int {
	return len(t.Messages)
}
