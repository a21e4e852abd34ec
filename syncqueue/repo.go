package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// timeLayout matches the strftime default used by the schema so Go-written
// and SQLite-written timestamps sort identically as text.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Repo provides typed CRUD over the queue tables. Every operation is a single
// row statement, so a partial write of one entry can never corrupt another
// entry's state.
type Repo struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRepo creates a queue repository over an initialized database.
func NewRepo(db *sql.DB, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{db: db, logger: logger}
}

// DB exposes the underlying handle for cache and metadata helpers.
func (r *Repo) DB() *sql.DB { return r.db }

var kindTable = map[Kind]string{
	KindTransaction: "queued_transactions",
	KindItemEdit:    "queued_item_edits",
	KindItemCreate:  "queued_item_creates",
	KindItemArchive: "queued_item_archives",
}

func tableFor(kind Kind) (string, error) {
	table, ok := kindTable[kind]
	if !ok {
		return "", fmt.Errorf("unknown queue kind %q", kind)
	}
	return table, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back to RFC3339 for rows written by older builds.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// EnqueueTransaction durably records a stock movement with status=pending.
// The caller must have clamped/rounded Quantity already. Missing ID and
// idempotency key are generated here, once; the key is never regenerated on
// retries.
func (r *Repo) EnqueueTransaction(ctx context.Context, tx *QueuedTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.IdempotencyKey == "" {
		tx.IdempotencyKey = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.DeviceTimestamp.IsZero() {
		tx.DeviceTimestamp = tx.CreatedAt
	}
	tx.Status = StatusPending
	tx.RetryCount = 0

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queued_transactions
			(id, transaction_type, item_id, quantity, notes, source_location_id,
			 destination_location_id, device_timestamp, idempotency_key, user_id,
			 domain, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, tx.ID, tx.TransactionType, tx.ItemID, tx.Quantity, tx.Notes,
		nullStr(tx.SourceLocationID), nullStr(tx.DestinationLocationID),
		formatTime(tx.DeviceTimestamp), tx.IdempotencyKey, tx.UserID, tx.Domain,
		tx.Status, formatTime(tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue transaction: %w", err)
	}
	return nil
}

// EnqueueItemEdit durably records a pending catalog edit.
func (r *Repo) EnqueueItemEdit(ctx context.Context, e *QueuedItemEdit) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = StatusPending
	e.RetryCount = 0

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queued_item_edits
			(id, item_id, changes, expected_version, idempotency_key, user_id,
			 status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, e.ID, e.ItemID, string(e.Changes), e.ExpectedVersion, e.IdempotencyKey,
		e.UserID, e.Status, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue item edit: %w", err)
	}
	return nil
}

// EnqueueItemCreate durably records a pending catalog item creation.
func (r *Repo) EnqueueItemCreate(ctx context.Context, c *QueuedItemCreate) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.IdempotencyKey == "" {
		c.IdempotencyKey = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = StatusPending
	c.RetryCount = 0

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queued_item_creates
			(id, temp_sku, item_data, idempotency_key, user_id, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, c.ID, c.TempSKU, string(c.ItemData), c.IdempotencyKey, c.UserID,
		c.Status, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue item create: %w", err)
	}
	return nil
}

// EnqueueItemArchive durably records a pending archive/restore action.
func (r *Repo) EnqueueItemArchive(ctx context.Context, a *QueuedItemArchive) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Status = StatusPending
	a.RetryCount = 0

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queued_item_archives
			(id, item_id, action, expected_version, idempotency_key, user_id,
			 status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, a.ID, a.ItemID, a.Action, a.ExpectedVersion, a.IdempotencyKey, a.UserID,
		a.Status, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue item archive: %w", err)
	}
	return nil
}

// EnqueueImage durably records a pending media upload. When the parent item
// id looks like a not-yet-synced offline create, callers pass
// StatusWaitingForItem so the upload is held back until the item gets a
// server id.
func (r *Repo) EnqueueImage(ctx context.Context, img *PendingImage) error {
	if img.ID == "" {
		img.ID = uuid.New().String()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	if img.Status == "" {
		img.Status = StatusPending
	}
	if img.ContentType == "" {
		img.ContentType = "image/jpeg"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_images (id, item_id, local_path, content_type, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, img.ID, img.ItemID, img.LocalPath, img.ContentType, img.Status, formatTime(img.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue image: %w", err)
	}
	return nil
}

// ListPendingTransactions returns all non-terminal transactions eligible for
// drain, oldest first. Entries flagged for user attention stay in the table
// but are excluded here.
func (r *Repo) ListPendingTransactions(ctx context.Context) ([]QueuedTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transaction_type, item_id, quantity, notes, source_location_id,
		       destination_location_id, device_timestamp, idempotency_key, user_id,
		       domain, status, retry_count, last_error, last_attempt_at, created_at
		FROM queued_transactions
		WHERE status IN ('pending','failed') AND needs_attention = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	defer rows.Close()

	var out []QueuedTransaction
	for rows.Next() {
		var tx QueuedTransaction
		var src, dst, lastErr, lastAttempt sql.NullString
		var deviceTS, createdAt string
		if err := rows.Scan(&tx.ID, &tx.TransactionType, &tx.ItemID, &tx.Quantity,
			&tx.Notes, &src, &dst, &deviceTS, &tx.IdempotencyKey, &tx.UserID,
			&tx.Domain, &tx.Status, &tx.RetryCount, &lastErr, &lastAttempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.SourceLocationID = strPtr(src)
		tx.DestinationLocationID = strPtr(dst)
		tx.DeviceTimestamp = parseTime(deviceTS)
		tx.LastError = strPtr(lastErr)
		tx.LastAttemptAt = timePtr(lastAttempt)
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ListPendingItemEdits returns drain-eligible edits, oldest first.
func (r *Repo) ListPendingItemEdits(ctx context.Context) ([]QueuedItemEdit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, item_id, changes, expected_version, idempotency_key, user_id,
		       status, retry_count, last_error, last_attempt_at, created_at
		FROM queued_item_edits
		WHERE status IN ('pending','failed') AND needs_attention = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending item edits: %w", err)
	}
	defer rows.Close()

	var out []QueuedItemEdit
	for rows.Next() {
		var e QueuedItemEdit
		var changes, createdAt string
		var lastErr, lastAttempt sql.NullString
		if err := rows.Scan(&e.ID, &e.ItemID, &changes, &e.ExpectedVersion,
			&e.IdempotencyKey, &e.UserID, &e.Status, &e.RetryCount,
			&lastErr, &lastAttempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan item edit: %w", err)
		}
		e.Changes = []byte(changes)
		e.LastError = strPtr(lastErr)
		e.LastAttemptAt = timePtr(lastAttempt)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListPendingItemCreates returns drain-eligible creates, oldest first.
func (r *Repo) ListPendingItemCreates(ctx context.Context) ([]QueuedItemCreate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, temp_sku, item_data, idempotency_key, user_id,
		       status, retry_count, last_error, last_attempt_at, created_at
		FROM queued_item_creates
		WHERE status IN ('pending','failed') AND needs_attention = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending item creates: %w", err)
	}
	defer rows.Close()

	var out []QueuedItemCreate
	for rows.Next() {
		var c QueuedItemCreate
		var itemData, createdAt string
		var lastErr, lastAttempt sql.NullString
		if err := rows.Scan(&c.ID, &c.TempSKU, &itemData, &c.IdempotencyKey,
			&c.UserID, &c.Status, &c.RetryCount, &lastErr, &lastAttempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan item create: %w", err)
		}
		c.ItemData = []byte(itemData)
		c.LastError = strPtr(lastErr)
		c.LastAttemptAt = timePtr(lastAttempt)
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListPendingItemArchives returns drain-eligible archive actions, oldest first.
func (r *Repo) ListPendingItemArchives(ctx context.Context) ([]QueuedItemArchive, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, item_id, action, expected_version, idempotency_key, user_id,
		       status, retry_count, last_error, last_attempt_at, created_at
		FROM queued_item_archives
		WHERE status IN ('pending','failed') AND needs_attention = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending item archives: %w", err)
	}
	defer rows.Close()

	var out []QueuedItemArchive
	for rows.Next() {
		var a QueuedItemArchive
		var createdAt string
		var lastErr, lastAttempt sql.NullString
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Action, &a.ExpectedVersion,
			&a.IdempotencyKey, &a.UserID, &a.Status, &a.RetryCount,
			&lastErr, &lastAttempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan item archive: %w", err)
		}
		a.LastError = strPtr(lastErr)
		a.LastAttemptAt = timePtr(lastAttempt)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkSyncing transitions an entry to syncing for the duration of a remote
// submission attempt.
func (r *Repo) MarkSyncing(ctx context.Context, kind Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = 'syncing' WHERE id = ?`, table), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s syncing: %w", kind, id, err)
	}
	return nil
}

// MarkFailed records a failed attempt: status back to failed, retry_count
// incremented, last_error and last_attempt_at updated. The row is never
// deleted here; data loss is not an acceptable resolution for a stuck entry.
// Returns the new retry count so the caller can decide whether the entry now
// needs user attention.
func (r *Repo) MarkFailed(ctx context.Context, kind Kind, id string, errMsg string) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, table), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s %s failed: %w", kind, id, err)
	}

	var retryCount int
	err = r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = ?`, table), id).Scan(&retryCount)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry count for %s %s: %w", kind, id, err)
	}
	return retryCount, nil
}

// MarkNeedsAttention flags an entry for manual resolution and removes it from
// automatic retry eligibility. Used for version conflicts and for entries
// that exhausted their retries.
func (r *Repo) MarkNeedsAttention(ctx context.Context, kind Kind, id string, errMsg string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', needs_attention = 1, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, table), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to flag %s %s for attention: %w", kind, id, err)
	}
	return nil
}

// ClearAttention re-arms a flagged entry for automatic retry after the user
// resolved the underlying problem (e.g. refreshed a conflicted item).
func (r *Repo) ClearAttention(ctx context.Context, kind Kind, id string, expectedVersion int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', needs_attention = 0, retry_count = 0, last_error = NULL
		WHERE id = ?
	`, table)
	if kind == KindItemEdit || kind == KindItemArchive {
		query = fmt.Sprintf(`
			UPDATE %s SET status = 'pending', needs_attention = 0, retry_count = 0,
			       last_error = NULL, expected_version = %d
			WHERE id = ?
		`, table, expectedVersion)
	}
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to clear attention on %s %s: %w", kind, id, err)
	}
	return nil
}

// Remove deletes an entry after the gateway confirmed acceptance (success or
// recognized duplicate). This is the only path that deletes queue rows.
func (r *Repo) Remove(ctx context.Context, kind Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to remove %s %s: %w", kind, id, err)
	}
	return nil
}

// PendingCount is a cheap count of drain-eligible entries for UI badges.
func (r *Repo) PendingCount(ctx context.Context, kind Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status IN ('pending','failed') AND needs_attention = 0
	`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending %s: %w", kind, err)
	}
	return n, nil
}

// PendingTotal sums pending counts across all queue kinds.
func (r *Repo) PendingTotal(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range Kinds {
		n, err := r.PendingCount(ctx, kind)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// AttentionCount counts entries waiting on manual resolution.
func (r *Repo) AttentionCount(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range Kinds {
		table, err := tableFor(kind)
		if err != nil {
			return 0, err
		}
		var n int
		if err := r.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE needs_attention = 1`, table)).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count attention %s: %w", kind, err)
		}
		total += n
	}
	return total, nil
}

// ResetStuckSyncing returns entries left in 'syncing' by a crash to
// 'pending'. Their idempotency keys guarantee the server collapses any
// submission that actually went through before the crash.
func (r *Repo) ResetStuckSyncing(ctx context.Context) error {
	for _, kind := range Kinds {
		table, err := tableFor(kind)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET status = 'pending' WHERE status = 'syncing'`, table)); err != nil {
			return fmt.Errorf("failed to reset stuck syncing rows in %s: %w", table, err)
		}
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE pending_images SET status = 'pending' WHERE status = 'uploading'`); err != nil {
		return fmt.Errorf("failed to reset stuck uploading images: %w", err)
	}
	return nil
}

// ListImagesByStatus returns pending images in a given status, oldest first.
func (r *Repo) ListImagesByStatus(ctx context.Context, status string) ([]PendingImage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, item_id, local_path, content_type, status, retry_count, last_error, created_at
		FROM pending_images WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []PendingImage
	for rows.Next() {
		var img PendingImage
		var lastErr sql.NullString
		var createdAt string
		if err := rows.Scan(&img.ID, &img.ItemID, &img.LocalPath, &img.ContentType,
			&img.Status, &img.RetryCount, &lastErr, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		img.LastError = strPtr(lastErr)
		img.CreatedAt = parseTime(createdAt)
		out = append(out, img)
	}
	return out, rows.Err()
}

// ReleaseImagesForItem moves waiting_for_item images to pending once their
// parent item has a server-assigned id.
func (r *Repo) ReleaseImagesForItem(ctx context.Context, itemID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_images SET status = 'pending'
		WHERE item_id = ? AND status = 'waiting_for_item'
	`, itemID)
	if err != nil {
		return fmt.Errorf("failed to release images for item %s: %w", itemID, err)
	}
	return nil
}
