package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the tracker tables if they don't exist.
// Idempotent; safe to run on every service start.
func (s *SubmitService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		`CREATE SCHEMA IF NOT EXISTS tracker`,

		// Authoritative catalog. version is the optimistic-concurrency
		// counter clients check edits and archives against.
		`CREATE TABLE IF NOT EXISTS tracker.items (
			id            UUID PRIMARY KEY,
			sku           TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			barcode       TEXT,
			current_stock NUMERIC(12,3) NOT NULL DEFAULT 0,
			min_stock     NUMERIC(12,3) NOT NULL DEFAULT 0,
			max_stock     NUMERIC(12,3) NOT NULL DEFAULT 0,
			unit          TEXT NOT NULL DEFAULT 'pcs',
			category_name TEXT,
			is_commissary BOOLEAN NOT NULL DEFAULT FALSE,
			archived      BOOLEAN NOT NULL DEFAULT FALSE,
			version       BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Append-only movement ledger. The UNIQUE idempotency_key is the
		// exactly-once gate: a replayed submission hits the constraint and is
		// answered from the original row instead of being applied twice.
		// stock_before/stock_after are computed at application time from the
		// item row, never trusted from the client.
		`CREATE TABLE IF NOT EXISTS tracker.stock_ledger (
			id               UUID PRIMARY KEY,
			idempotency_key  TEXT NOT NULL UNIQUE,
			domain           TEXT NOT NULL,
			item_id          UUID NOT NULL REFERENCES tracker.items(id),
			transaction_type TEXT NOT NULL,
			quantity_delta   NUMERIC(12,3) NOT NULL,
			stock_before     NUMERIC(12,3) NOT NULL,
			stock_after      NUMERIC(12,3) NOT NULL,
			notes            TEXT NOT NULL DEFAULT '',
			source_location_id      TEXT,
			destination_location_id TEXT,
			user_id          TEXT NOT NULL,
			device_timestamp TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Idempotency gate for catalog mutations (edits, creates, archives).
		// result is the original SubmitResponse, replayed verbatim on
		// duplicate submissions.
		`CREATE TABLE IF NOT EXISTS tracker.item_mutations (
			idempotency_key TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			item_id         UUID,
			user_id         TEXT NOT NULL,
			result          JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS tracker.categories (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_stock_ledger_item ON tracker.stock_ledger(item_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_ledger_user ON tracker.stock_ledger(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_items_name ON tracker.items(name)`,
		`CREATE INDEX IF NOT EXISTS idx_items_barcode ON tracker.items(barcode)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run tracker migration: %w", err)
		}
	}
	return nil
}
