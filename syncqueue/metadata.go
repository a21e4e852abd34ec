package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known sync_metadata keys.
const (
	metaLastSyncAt = "last_sync_at"
)

// GetMeta reads a sync_metadata value. Returns ("", nil) when the key has
// never been written.
func (r *Repo) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync metadata %q: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a sync_metadata value.
func (r *Repo) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync metadata %q: %w", key, err)
	}
	return nil
}

// LastSyncAt returns the timestamp of the last successful drain cycle, or the
// zero time if the device has never synced.
func (r *Repo) LastSyncAt(ctx context.Context) (time.Time, error) {
	value, err := r.GetMeta(ctx, metaLastSyncAt)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	return parseTime(value), nil
}

// SetLastSyncAt records a successful drain cycle.
func (r *Repo) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return r.SetMeta(ctx, metaLastSyncAt, formatTime(t))
}
