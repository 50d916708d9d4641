// Package search maintains the full-text index over synced messages. The sync
// core only writes to the index; querying belongs to the UI collaborators.
package search

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Index is the write-only surface the sync manager needs.
type Index interface {
	AddMessage(id uuid.UUID, subject, sender, body string) error
	UpdateMessage(id uuid.UUID, subject, sender, body string) error
	RemoveMessage(id uuid.UUID) error
}

// SQLIndex implements Index on a SQLite FTS5 virtual table, sharing the
// mail store's database.
type SQLIndex struct {
	db     *sql.DB
	logger *logrus.Logger
}

var _ Index = (*SQLIndex)(nil)

const indexSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    message_id UNINDEXED,
    subject,
    sender,
    body
);
`

// NewSQLIndex creates the FTS table if needed and returns the index.
func NewSQLIndex(db *sql.DB, logger *logrus.Logger) (*SQLIndex, error) {
	if _, err := db.Exec(indexSchema); err != nil {
		return nil, fmt.Errorf("failed to create search index schema: %w", err)
	}
	return &SQLIndex{db: db, logger: logger}, nil
}

func (i *SQLIndex) AddMessage(id uuid.UUID, subject, sender, body string) error {
	_, err := i.db.Exec(
		"INSERT INTO messages_fts (message_id, subject, sender, body) VALUES (?, ?, ?, ?)",
		id.String(), subject, sender, body,
	)
	if err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

func (i *SQLIndex) UpdateMessage(id uuid.UUID, subject, sender, body string) error {
	if err := i.RemoveMessage(id); err != nil {
		return err
	}
	return i.AddMessage(id, subject, sender, body)
}

func (i *SQLIndex) RemoveMessage(id uuid.UUID) error {
	_, err := i.db.Exec("DELETE FROM messages_fts WHERE message_id = ?", id.String())
	if err != nil {
		return fmt.Errorf("failed to deindex message: %w", err)
	}
	return nil
}
