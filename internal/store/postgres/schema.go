// Package postgres implements the entity and journal stores on PostgreSQL.
// Entities are stored as JSONB documents with the identity columns lifted out;
// journal rows keep their queryable columns alongside the full document.
package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id   BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		doc  JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entities_kind_idx ON entities (kind)`,
	`CREATE TABLE IF NOT EXISTS journal (
		id                  BIGINT PRIMARY KEY,
		ref_type            TEXT NOT NULL,
		date                TIMESTAMPTZ NOT NULL,
		first_party_id      BIGINT NOT NULL,
		second_party_id     BIGINT NOT NULL,
		second_party_amount DOUBLE PRECISION,
		doc                 JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS journal_first_party_idx ON journal (first_party_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS journal_second_party_idx ON journal (second_party_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS journal_date_idx ON journal (date DESC)`,
}

// EnsureSchema creates tables and indexes on startup so a fresh database
// needs no manual setup.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
