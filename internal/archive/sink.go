package archive

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

// Sink accepts one batch of archive entries and reports success or failure
// for the batch as a whole. Per-entry delivery status is never inferred.
type Sink interface {
	WriteBatch(ctx context.Context, entries []models.ArchiveEntry) error
}

// PostgresSink writes batches into the archive table inside one transaction,
// so a batch either lands completely or not at all.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink constructs a PostgresSink.
func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// WriteBatch inserts all entries, committing only if every insert succeeds.
func (s *PostgresSink) WriteBatch(ctx context.Context, entries []models.ArchiveEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	const query = `INSERT INTO archived_messages
        (id, kind, user_id, nickname, city, remote_addr, content, image_url, sent_at)
        VALUES (:id, :kind, :user_id, :nickname, :city, :remote_addr, :content, :image_url, :sent_at)`
	for _, entry := range entries {
		if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
