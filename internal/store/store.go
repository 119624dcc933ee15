// Package store is the canonical persistence layer for channels, conversations
// and messages. It is the only writer of those rows and raises an event for
// every change it commits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"zapinbox/internal/events"
)

const (
	channelColumns = `id, platform, external_id, name, session_data, status, last_active_at, created_at, updated_at`

	conversationColumns = `id, channel_id, contact_id, contact_name, contact_avatar, status, assigned_agent_id,
		unread_count, last_message, last_message_at, labels, notes, metadata, created_at, updated_at`

	messageColumns = `id, conversation_id, direction, body, content_type, media_ref, status, agent_id,
		external_id, metadata, created_at`
)

// Store implements the canonical store over a sqlx database.
type Store struct {
	db  *sqlx.DB
	pub events.Publisher
	now func() time.Time
}

// New creates a Store. A nil publisher discards events.
func New(db *sqlx.DB, pub events.Publisher) *Store {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Store{
		db:  db,
		pub: pub,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for collaborators sharing the connection.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q, dest, s.db.Rebind(query), args...)
}

func (s *Store) exec(ctx context.Context, e sqlx.ExecerContext, query string, args ...any) (int64, error) {
	res, err := e.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

func newID() string { return uuid.NewString() }
