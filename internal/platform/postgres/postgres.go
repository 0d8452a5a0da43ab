// Package postgres opens the database connection and owns the schema for the
// event log and projection tables.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to PostgreSQL through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Schema is the DDL for the access list engine. The event log is append-only;
// projection rows cascade from the summary table so a hard delete of the
// summary row also clears the sub-collections, while events stay forever.
const Schema = `
CREATE TABLE IF NOT EXISTS access_list_events (
	seq_id              BIGSERIAL PRIMARY KEY,
	event_time          TIMESTAMPTZ NOT NULL,
	kind                TEXT        NOT NULL,
	aggregate_id        UUID        NOT NULL,
	owner               TEXT,
	identifier          TEXT,
	name                TEXT,
	description         TEXT,
	resource_identifier TEXT,
	actions             TEXT[],
	member_ids          UUID[]
);

CREATE INDEX IF NOT EXISTS access_list_events_aggregate_idx
	ON access_list_events (aggregate_id, seq_id);

CREATE TABLE IF NOT EXISTS access_list_state (
	aggregate_id UUID        PRIMARY KEY,
	owner        TEXT        NOT NULL,
	identifier   TEXT        NOT NULL,
	name         TEXT        NOT NULL,
	description  TEXT        NOT NULL DEFAULT '',
	created      TIMESTAMPTZ NOT NULL,
	modified     TIMESTAMPTZ NOT NULL,
	version      BIGINT      NOT NULL,
	UNIQUE (owner, identifier)
);

CREATE TABLE IF NOT EXISTS resource_connection_state (
	aggregate_id        UUID        NOT NULL REFERENCES access_list_state (aggregate_id) ON DELETE CASCADE,
	resource_identifier TEXT        NOT NULL,
	actions             TEXT[]      NOT NULL,
	created             TIMESTAMPTZ NOT NULL,
	modified            TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, resource_identifier)
);

CREATE TABLE IF NOT EXISTS membership_state (
	aggregate_id UUID        NOT NULL REFERENCES access_list_state (aggregate_id) ON DELETE CASCADE,
	member_id    UUID        NOT NULL,
	since        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, member_id)
);
`

// Migrate applies the schema. Idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
