// Package syncqueue implements the offline-first sync queue engine for the
// warehouse tracker clients.
//
// Stock movements and catalog mutations recorded while the device is offline
// are written to a local SQLite database first ("local-commit-then-sync") and
// drained to the submission server by the Manager once connectivity returns.
// Every queued operation carries a client-generated idempotency key so that
// retries after partial failures are collapsed into a single remote effect.
package syncqueue

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// EnsureSchema creates the queue and cache tables if they do not exist yet.
//
// Safe to call on every app start: running it N times produces the identical
// schema and never drops or mutates existing rows. A returned error means the
// device has no offline durability; callers are expected to log it and keep
// running in degraded mode rather than crash (this leniency is deliberate).
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		// Pending stock movements. quantity is a signed delta already clamped
		// and rounded by the caller (see quantity.go).
		`CREATE TABLE IF NOT EXISTS queued_transactions (
			id                      TEXT PRIMARY KEY,
			transaction_type        TEXT NOT NULL CHECK (transaction_type IN ('check_in','check_out','production','correction')),
			item_id                 TEXT NOT NULL,
			quantity                REAL NOT NULL,
			notes                   TEXT NOT NULL DEFAULT '',
			source_location_id      TEXT,
			destination_location_id TEXT,
			device_timestamp        TEXT NOT NULL,
			idempotency_key         TEXT NOT NULL UNIQUE,
			user_id                 TEXT NOT NULL,
			domain                  TEXT NOT NULL,
			status                  TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed')),
			retry_count             INTEGER NOT NULL DEFAULT 0,
			needs_attention         INTEGER NOT NULL DEFAULT 0,
			last_error              TEXT,
			last_attempt_at         TEXT,
			created_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS queued_item_edits (
			id               TEXT PRIMARY KEY,
			item_id          TEXT NOT NULL,
			changes          TEXT NOT NULL, -- JSON object of changed fields
			expected_version INTEGER NOT NULL,
			idempotency_key  TEXT NOT NULL UNIQUE,
			user_id          TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed')),
			retry_count      INTEGER NOT NULL DEFAULT 0,
			needs_attention  INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT,
			last_attempt_at  TEXT,
			created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS queued_item_creates (
			id              TEXT PRIMARY KEY,
			temp_sku        TEXT NOT NULL,
			item_data       TEXT NOT NULL, -- JSON payload of the new item
			idempotency_key TEXT NOT NULL UNIQUE,
			user_id         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed')),
			retry_count     INTEGER NOT NULL DEFAULT 0,
			needs_attention INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			last_attempt_at TEXT,
			created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS queued_item_archives (
			id               TEXT PRIMARY KEY,
			item_id          TEXT NOT NULL,
			action           TEXT NOT NULL CHECK (action IN ('archive','restore')),
			expected_version INTEGER NOT NULL,
			idempotency_key  TEXT NOT NULL UNIQUE,
			user_id          TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed')),
			retry_count      INTEGER NOT NULL DEFAULT 0,
			needs_attention  INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT,
			last_attempt_at  TEXT,
			created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Queued media uploads. waiting_for_item marks images whose parent item
		// is itself an offline-created row without a server-assigned id yet.
		`CREATE TABLE IF NOT EXISTS pending_images (
			id           TEXT PRIMARY KEY,
			item_id      TEXT NOT NULL,
			local_path   TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'image/jpeg',
			status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','uploading','failed','waiting_for_item')),
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Read replica of the authoritative catalog for offline browsing.
		// Never the source of truth for stock deltas.
		`CREATE TABLE IF NOT EXISTS item_cache (
			id            TEXT PRIMARY KEY,
			sku           TEXT NOT NULL,
			name          TEXT NOT NULL,
			barcode       TEXT,
			current_stock REAL NOT NULL DEFAULT 0,
			min_stock     REAL NOT NULL DEFAULT 0,
			max_stock     REAL NOT NULL DEFAULT 0,
			unit          TEXT NOT NULL DEFAULT 'pcs',
			category_name TEXT,
			is_commissary INTEGER NOT NULL DEFAULT 0,
			version       INTEGER NOT NULL DEFAULT 0,
			updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS category_cache (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Process-wide bookkeeping (last successful sync timestamp etc).
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_queued_transactions_status ON queued_transactions(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_transactions_item ON queued_transactions(item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_item_edits_status ON queued_item_edits(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_item_creates_status ON queued_item_creates(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_item_archives_status ON queued_item_archives(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_images_item ON pending_images(item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_images_status ON pending_images(status)`,
		`CREATE INDEX IF NOT EXISTS idx_item_cache_name ON item_cache(name)`,
		`CREATE INDEX IF NOT EXISTS idx_item_cache_sku ON item_cache(sku)`,
		`CREATE INDEX IF NOT EXISTS idx_item_cache_barcode ON item_cache(barcode)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create offline schema: %w", err)
		}
	}

	return nil
}
