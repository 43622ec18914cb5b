// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("✅ Connected to database")
	return conn, nil
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const Schema = `
CREATE TABLE IF NOT EXISTS contacts (
    seq           BIGSERIAL PRIMARY KEY,
    id            TEXT UNIQUE NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    phone         TEXT NOT NULL,
    email         TEXT NOT NULL DEFAULT '',
    tags          TEXT[] NOT NULL DEFAULT '{}',
    lists         TEXT[] NOT NULL DEFAULT '{}',
    attributes    JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS campaigns (
    id            UUID PRIMARY KEY,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    template      TEXT NOT NULL,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    audience      JSONB NOT NULL DEFAULT '{}',
    audience_cursor TEXT NOT NULL DEFAULT '',
    targeted      INTEGER NOT NULL DEFAULT 0,
    sent          INTEGER NOT NULL DEFAULT 0,
    delivered     INTEGER NOT NULL DEFAULT 0,
    failed        INTEGER NOT NULL DEFAULT 0,
    responded     INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ,
    scheduled_for TIMESTAMPTZ,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    deleted_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dispatch_jobs (
    id            UUID PRIMARY KEY,
    campaign_id   UUID NOT NULL REFERENCES campaigns(id),
    recipient_id  TEXT NOT NULL,
    address       TEXT NOT NULL,
    body          TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    message_id    TEXT,
    outcome       TEXT NOT NULL,
    responded     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    UNIQUE (campaign_id, address)
);

CREATE UNIQUE INDEX IF NOT EXISTS dispatch_jobs_message_id ON dispatch_jobs (message_id) WHERE message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS dispatch_jobs_address_outcome ON dispatch_jobs (address, outcome, updated_at DESC);

CREATE TABLE IF NOT EXISTS inbound_events (
    id            TEXT PRIMARY KEY,
    sender        TEXT NOT NULL,
    body          TEXT NOT NULL,
    received_at   TIMESTAMPTZ NOT NULL,
    campaign_id   UUID,
    job_id        UUID,
    recorded_at   TIMESTAMPTZ NOT NULL
);
`
