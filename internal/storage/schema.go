package storage

// Schema contains SQL schema definitions for the mail store.
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    display_name TEXT,
    type TEXT NOT NULL,
    auth TEXT NOT NULL,
    imap_config TEXT,
    smtp_config TEXT,
    status TEXT NOT NULL DEFAULT 'offline',
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Mailboxes table
CREATE TABLE IF NOT EXISTS mailboxes (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    total_messages INTEGER DEFAULT 0,
    unseen_messages INTEGER DEFAULT 0,
    last_synced_at TEXT,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, name)
);

-- Messages table
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    mailbox_id TEXT NOT NULL,
    uid TEXT NOT NULL,
    folder TEXT NOT NULL,
    date TEXT NOT NULL,
    sender TEXT,
    subject TEXT,
    body_preview TEXT,
    has_attachments INTEGER DEFAULT 0,
    is_read INTEGER DEFAULT 0,
    is_outgoing INTEGER DEFAULT 0,
    message_id TEXT,
    in_reply_to TEXT,
    refs TEXT,
    server_thread_id TEXT,
    body_text TEXT,
    body_html TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE,
    UNIQUE(mailbox_id, uid)
);

-- Indexes for sync lookups and the thread view
CREATE INDEX IF NOT EXISTS idx_messages_account_id ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_mailbox_id ON messages(mailbox_id);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(account_id, message_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_mailboxes_account_id ON mailboxes(account_id);
`
