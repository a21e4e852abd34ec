package syncqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewRepo(db, nil)
}

func TestEnqueueTransactionDefaults(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tx := &QueuedTransaction{
		TransactionType: TxCheckIn,
		ItemID:          "item-1",
		Quantity:        2.5,
		UserID:          "u1",
		Domain:          "default",
	}
	require.NoError(t, repo.EnqueueTransaction(ctx, tx))

	// ID and idempotency key are assigned exactly once, at enqueue time.
	require.NotEmpty(t, tx.ID)
	require.NotEmpty(t, tx.IdempotencyKey)
	require.Equal(t, StatusPending, tx.Status)

	entries, err := repo.ListPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, tx.ID, entries[0].ID)
	require.Equal(t, tx.IdempotencyKey, entries[0].IdempotencyKey)
	require.Equal(t, 2.5, entries[0].Quantity)
	require.Nil(t, entries[0].LastError)
	require.Nil(t, entries[0].LastAttemptAt)
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	offsets := map[string]time.Duration{"first": 0, "second": time.Second, "third": 2 * time.Second}
	// Insert out of creation order to prove the listing sorts by created_at.
	for _, id := range []string{"third", "first", "second"} {
		require.NoError(t, repo.EnqueueTransaction(ctx, &QueuedTransaction{
			ID:              id,
			TransactionType: TxCheckOut,
			ItemID:          "item-1",
			Quantity:        1,
			UserID:          "u1",
			Domain:          "default",
			CreatedAt:       base.Add(offsets[id]),
		}))
	}

	entries, err := repo.ListPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "first", entries[0].ID)
	require.Equal(t, "second", entries[1].ID)
	require.Equal(t, "third", entries[2].ID)
}

func TestMarkFailedKeepsRowAndCountsRetries(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tx := &QueuedTransaction{TransactionType: TxCheckIn, ItemID: "item-1", Quantity: 1, UserID: "u1", Domain: "default"}
	require.NoError(t, repo.EnqueueTransaction(ctx, tx))

	rc, err := repo.MarkFailed(ctx, KindTransaction, tx.ID, "connection refused")
	require.NoError(t, err)
	require.Equal(t, 1, rc)

	rc, err = repo.MarkFailed(ctx, KindTransaction, tx.ID, "connection refused")
	require.NoError(t, err)
	require.Equal(t, 2, rc)

	// Failure never deletes: the entry stays listed with its original key.
	entries, err := repo.ListPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusFailed, entries[0].Status)
	require.Equal(t, 2, entries[0].RetryCount)
	require.Equal(t, tx.IdempotencyKey, entries[0].IdempotencyKey)
	require.NotNil(t, entries[0].LastError)
	require.Equal(t, "connection refused", *entries[0].LastError)
	require.NotNil(t, entries[0].LastAttemptAt)
}

func TestMarkSyncingExcludesFromPending(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tx := &QueuedTransaction{TransactionType: TxCheckIn, ItemID: "item-1", Quantity: 1, UserID: "u1", Domain: "default"}
	require.NoError(t, repo.EnqueueTransaction(ctx, tx))
	require.NoError(t, repo.MarkSyncing(ctx, KindTransaction, tx.ID))

	entries, err := repo.ListPendingTransactions(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	n, err := repo.PendingCount(ctx, KindTransaction)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestNeedsAttentionLifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	edit := &QueuedItemEdit{ItemID: "item-1", Changes: []byte(`{"name":"Bolts"}`), ExpectedVersion: 3, UserID: "u1"}
	require.NoError(t, repo.EnqueueItemEdit(ctx, edit))

	require.NoError(t, repo.MarkNeedsAttention(ctx, KindItemEdit, edit.ID, "version conflict"))

	// Flagged entries leave the automatic drain set but stay in the table.
	entries, err := repo.ListPendingItemEdits(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	attention, err := repo.AttentionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, attention)

	// Resolution re-arms the entry with a fresh expected version.
	require.NoError(t, repo.ClearAttention(ctx, KindItemEdit, edit.ID, 7))

	entries, err = repo.ListPendingItemEdits(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusPending, entries[0].Status)
	require.Equal(t, 0, entries[0].RetryCount)
	require.Equal(t, int64(7), entries[0].ExpectedVersion)
	require.Nil(t, entries[0].LastError)

	attention, err = repo.AttentionCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, attention)
}

func TestRemoveDeletesEntry(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	create := &QueuedItemCreate{TempSKU: "TMP-1", ItemData: []byte(`{"name":"Washers","sku":"TMP-1"}`), UserID: "u1"}
	require.NoError(t, repo.EnqueueItemCreate(ctx, create))
	require.NoError(t, repo.Remove(ctx, KindItemCreate, create.ID))

	entries, err := repo.ListPendingItemCreates(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPendingTotalSpansAllKinds(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.EnqueueTransaction(ctx, &QueuedTransaction{
		TransactionType: TxCheckIn, ItemID: "item-1", Quantity: 1, UserID: "u1", Domain: "default"}))
	require.NoError(t, repo.EnqueueItemEdit(ctx, &QueuedItemEdit{
		ItemID: "item-1", Changes: []byte(`{"unit":"kg"}`), ExpectedVersion: 1, UserID: "u1"}))
	require.NoError(t, repo.EnqueueItemCreate(ctx, &QueuedItemCreate{
		TempSKU: "TMP-1", ItemData: []byte(`{"name":"New"}`), UserID: "u1"}))
	require.NoError(t, repo.EnqueueItemArchive(ctx, &QueuedItemArchive{
		ItemID: "item-2", Action: ActionArchive, ExpectedVersion: 1, UserID: "u1"}))

	total, err := repo.PendingTotal(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, total)
}

func TestResetStuckSyncing(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	tx := &QueuedTransaction{TransactionType: TxCheckIn, ItemID: "item-1", Quantity: 1, UserID: "u1", Domain: "default"}
	require.NoError(t, repo.EnqueueTransaction(ctx, tx))
	require.NoError(t, repo.MarkSyncing(ctx, KindTransaction, tx.ID))

	img := &PendingImage{ItemID: "item-1", LocalPath: "/tmp/a.jpg", Status: StatusUploading}
	require.NoError(t, repo.EnqueueImage(ctx, img))

	// Simulates app restart after a crash mid-sync.
	require.NoError(t, repo.ResetStuckSyncing(ctx))

	entries, err := repo.ListPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusPending, entries[0].Status)

	images, err := repo.ListImagesByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, images, 1)
}

func TestLastSyncAtRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	last, err := repo.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, last.IsZero())

	at := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	require.NoError(t, repo.SetLastSyncAt(ctx, at))

	last, err = repo.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, at.Equal(last), "got %s", last)

	// Overwrites, never accumulates rows.
	require.NoError(t, repo.SetLastSyncAt(ctx, at.Add(time.Hour)))
	last, err = repo.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, at.Add(time.Hour).Equal(last), "got %s", last)
}
