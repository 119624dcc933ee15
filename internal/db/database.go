package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to the database and applies the schema.
// driver is "postgres" or "sqlite"; sqlite connections are limited to one
// so that writers serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	if driver == "sqlite" && !strings.Contains(dsn, "foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)"
	}

	conn, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling sqlite foreign keys: %w", err)
		}
	}

	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return conn, nil
}

// Migrate creates the canonical tables if they do not exist.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	for _, stmt := range schema(conn.DriverName()) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	log.Debug().Msg("Database schema is up to date")
	return nil
}

func schema(driverName string) []string {
	ts := "TIMESTAMP"
	if strings.HasPrefix(driverName, "postgres") {
		ts = "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			external_id TEXT,
			name TEXT NOT NULL DEFAULT '',
			session_data TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			last_active_at ` + ts + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_platform_external ON channels (platform, external_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL,
			contact_name TEXT NOT NULL DEFAULT '',
			contact_avatar TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			assigned_agent_id TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_message TEXT NOT NULL DEFAULT '',
			last_message_at ` + ts + `,
			labels TEXT NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			UNIQUE (channel_id, contact_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations (last_message_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			direction TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'text',
			media_ref TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			agent_id TEXT,
			external_id TEXT UNIQUE,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at)`,
	}
}
