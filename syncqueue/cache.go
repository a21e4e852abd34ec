package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Catalog cache helpers. These tables are a read replica refreshed
// opportunistically after successful syncs; stock deltas are never computed
// from them.

// UpsertCachedItem writes or replaces a catalog row.
func (r *Repo) UpsertCachedItem(ctx context.Context, item *CachedItem) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO item_cache
			(id, sku, name, barcode, current_stock, min_stock, max_stock, unit,
			 category_name, is_commissary, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku, name = excluded.name, barcode = excluded.barcode,
			current_stock = excluded.current_stock, min_stock = excluded.min_stock,
			max_stock = excluded.max_stock, unit = excluded.unit,
			category_name = excluded.category_name, is_commissary = excluded.is_commissary,
			version = excluded.version, updated_at = excluded.updated_at
	`, item.ID, item.SKU, item.Name, nullStr(item.Barcode), item.CurrentStock,
		item.MinStock, item.MaxStock, item.Unit, nullStr(item.CategoryName),
		boolToInt(item.IsCommissary), item.Version, formatTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert cached item: %w", err)
	}
	return nil
}

// GetCachedItem loads one catalog row. Returns (nil, nil) when absent.
func (r *Repo) GetCachedItem(ctx context.Context, id string) (*CachedItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, sku, name, barcode, current_stock, min_stock, max_stock, unit,
		       category_name, is_commissary, version, updated_at
		FROM item_cache WHERE id = ?
	`, id)
	item, err := scanCachedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// SearchCachedItems matches name, SKU or barcode for offline browsing.
func (r *Repo) SearchCachedItems(ctx context.Context, query string, limit int) ([]CachedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sku, name, barcode, current_stock, min_stock, max_stock, unit,
		       category_name, is_commissary, version, updated_at
		FROM item_cache
		WHERE name LIKE ? OR sku LIKE ? OR barcode LIKE ?
		ORDER BY name ASC LIMIT ?
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search item cache: %w", err)
	}
	defer rows.Close()

	var out []CachedItem
	for rows.Next() {
		item, err := scanCachedItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// ApplyServerStock refreshes the cached stock figure (and version, when the
// response carried one) for an item from a submission response. Missing cache
// rows are ignored; the next full catalog refresh will pick them up.
func (r *Repo) ApplyServerStock(ctx context.Context, itemID string, stock float64, version *int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE item_cache SET current_stock = ?, version = COALESCE(?, version), updated_at = ?
		WHERE id = ?
	`, stock, version, formatTime(time.Now()), itemID)
	if err != nil {
		return fmt.Errorf("failed to apply server stock for %s: %w", itemID, err)
	}
	return nil
}

// ApplyServerVersion bumps the cached row version after a catalog mutation
// was accepted remotely.
func (r *Repo) ApplyServerVersion(ctx context.Context, itemID string, version int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE item_cache SET version = ?, updated_at = ? WHERE id = ?
	`, version, formatTime(time.Now()), itemID)
	if err != nil {
		return fmt.Errorf("failed to apply server version for %s: %w", itemID, err)
	}
	return nil
}

// AdoptServerItemID rewrites an offline-created item's temporary id to the
// server-assigned one across the cache, remaining queued transactions, and
// held-back images, then releases those images for upload.
func (r *Repo) AdoptServerItemID(ctx context.Context, tempID, serverID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin id adoption tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`UPDATE item_cache SET id = ? WHERE id = ?`,
		`UPDATE queued_transactions SET item_id = ? WHERE item_id = ?`,
		`UPDATE queued_item_edits SET item_id = ? WHERE item_id = ?`,
		`UPDATE queued_item_archives SET item_id = ? WHERE item_id = ?`,
		`UPDATE pending_images SET item_id = ? WHERE item_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, serverID, tempID); err != nil {
			return fmt.Errorf("failed to adopt server id %s for %s: %w", serverID, tempID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_images SET status = 'pending'
		WHERE item_id = ? AND status = 'waiting_for_item'
	`, serverID); err != nil {
		return fmt.Errorf("failed to release images after id adoption: %w", err)
	}
	return tx.Commit()
}

// ReplaceCategories swaps the category cache for a fresh server snapshot.
func (r *Repo) ReplaceCategories(ctx context.Context, categories []CachedCategory) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin category refresh tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM category_cache`); err != nil {
		return fmt.Errorf("failed to clear category cache: %w", err)
	}
	now := formatTime(time.Now())
	for _, c := range categories {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category_cache (id, name, sort_order, updated_at) VALUES (?, ?, ?, ?)
		`, c.ID, c.Name, c.SortOrder, now); err != nil {
			return fmt.Errorf("failed to insert category %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListCategories returns the cached categories in display order.
func (r *Repo) ListCategories(ctx context.Context) ([]CachedCategory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, sort_order, updated_at FROM category_cache
		ORDER BY sort_order ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []CachedCategory
	for rows.Next() {
		var c CachedCategory
		var updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.SortOrder, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCachedItem(row rowScanner) (*CachedItem, error) {
	var item CachedItem
	var barcode, category sql.NullString
	var isCommissary int
	var updatedAt string
	if err := row.Scan(&item.ID, &item.SKU, &item.Name, &barcode,
		&item.CurrentStock, &item.MinStock, &item.MaxStock, &item.Unit,
		&category, &isCommissary, &item.Version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cached item: %w", err)
	}
	item.Barcode = strPtr(barcode)
	item.CategoryName = strPtr(category)
	item.IsCommissary = isCommissary != 0
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
