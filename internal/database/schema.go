package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS session_credentials (
	session_id    TEXT NOT NULL,
	artifact_name TEXT NOT NULL,
	payload       BYTEA NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, artifact_name)
);

CREATE TABLE IF NOT EXISTS notifications (
	id                  TEXT PRIMARY KEY,
	recipient_address   TEXT NOT NULL DEFAULT '',
	message             TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	scheduled_for       TIMESTAMPTZ NOT NULL,
	sent_at             TIMESTAMPTZ,
	delivery_method     TEXT NOT NULL DEFAULT 'whatsapp',
	metadata            JSONB NOT NULL DEFAULT '{}',
	error_message       TEXT,
	claim_token         TEXT,
	claimed_at          TIMESTAMPTZ,
	attempts            INTEGER NOT NULL DEFAULT 0,
	provider_message_id TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	CONSTRAINT notifications_status_chk CHECK (status IN ('pending', 'sent', 'failed')),
	CONSTRAINT notifications_sent_at_chk CHECK ((status = 'sent') = (sent_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_notifications_due
	ON notifications (scheduled_for)
	WHERE status = 'pending' AND claim_token IS NULL;

CREATE INDEX IF NOT EXISTS idx_notifications_status_created
	ON notifications (status, created_at DESC);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_credentials (
	session_id    TEXT NOT NULL,
	artifact_name TEXT NOT NULL,
	payload       BLOB NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, artifact_name)
);

CREATE TABLE IF NOT EXISTS notifications (
	id                  TEXT PRIMARY KEY,
	recipient_address   TEXT NOT NULL DEFAULT '',
	message             TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	scheduled_for       TIMESTAMP NOT NULL,
	sent_at             TIMESTAMP,
	delivery_method     TEXT NOT NULL DEFAULT 'whatsapp',
	metadata            TEXT NOT NULL DEFAULT '{}',
	error_message       TEXT,
	claim_token         TEXT,
	claimed_at          TIMESTAMP,
	attempts            INTEGER NOT NULL DEFAULT 0,
	provider_message_id TEXT,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL,
	CHECK (status IN ('pending', 'sent', 'failed')),
	CHECK ((status = 'sent') = (sent_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_notifications_due
	ON notifications (scheduled_for)
	WHERE status = 'pending' AND claim_token IS NULL;

CREATE INDEX IF NOT EXISTS idx_notifications_status_created
	ON notifications (status, created_at DESC);
`

// Migrate applies the application schema. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var schema string
	switch db.DriverName() {
	case DriverPostgres:
		schema = postgresSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unsupported driver %q", db.DriverName())
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
