package syncqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCachedItemRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	barcode := "4006381333931"
	item := &CachedItem{
		ID:           "item-1",
		SKU:          "BOLT-M8",
		Name:         "Hex bolt M8",
		Barcode:      &barcode,
		CurrentStock: 120,
		MinStock:     10,
		MaxStock:     500,
		Unit:         "pcs",
		Version:      4,
	}
	require.NoError(t, repo.UpsertCachedItem(ctx, item))

	got, err := repo.GetCachedItem(ctx, "item-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Hex bolt M8", got.Name)
	require.Equal(t, barcode, *got.Barcode)
	require.Equal(t, int64(4), got.Version)
	require.Nil(t, got.CategoryName)

	// Upsert replaces in place.
	item.CurrentStock = 90
	require.NoError(t, repo.UpsertCachedItem(ctx, item))
	got, err = repo.GetCachedItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, float64(90), got.CurrentStock)

	missing, err := repo.GetCachedItem(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSearchCachedItems(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for _, it := range []CachedItem{
		{ID: "a", SKU: "BOLT-M8", Name: "Hex bolt M8", Unit: "pcs"},
		{ID: "b", SKU: "NUT-M8", Name: "Hex nut M8", Unit: "pcs"},
		{ID: "c", SKU: "GLUE-1", Name: "Wood glue", Unit: "l"},
	} {
		item := it
		require.NoError(t, repo.UpsertCachedItem(ctx, &item))
	}

	hits, err := repo.SearchCachedItems(ctx, "hex", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = repo.SearchCachedItems(ctx, "GLUE", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "c", hits[0].ID)
}

func TestApplyServerStock(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertCachedItem(ctx, &CachedItem{
		ID: "item-1", SKU: "BOLT-M8", Name: "Hex bolt M8", Unit: "pcs",
		CurrentStock: 100, Version: 2,
	}))

	v := int64(3)
	require.NoError(t, repo.ApplyServerStock(ctx, "item-1", 94.5, &v))
	got, err := repo.GetCachedItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, 94.5, got.CurrentStock)
	require.Equal(t, int64(3), got.Version)

	// Nil version leaves the cached version untouched.
	require.NoError(t, repo.ApplyServerStock(ctx, "item-1", 90, nil))
	got, err = repo.GetCachedItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, float64(90), got.CurrentStock)
	require.Equal(t, int64(3), got.Version)

	// Unknown item is not an error.
	require.NoError(t, repo.ApplyServerStock(ctx, "nope", 1, nil))
}

func TestAdoptServerItemID(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	// Offline-created item: the provisional id is referenced by the cache, a
	// queued movement, and a held-back image.
	require.NoError(t, repo.UpsertCachedItem(ctx, &CachedItem{
		ID: "temp-1", SKU: "TMP-1", Name: "New item", Unit: "pcs"}))
	require.NoError(t, repo.EnqueueTransaction(ctx, &QueuedTransaction{
		TransactionType: TxCheckIn, ItemID: "temp-1", Quantity: 5, UserID: "u1", Domain: "default"}))
	require.NoError(t, repo.EnqueueImage(ctx, &PendingImage{
		ItemID: "temp-1", LocalPath: "/tmp/pic.jpg", Status: StatusWaitingForItem}))

	require.NoError(t, repo.AdoptServerItemID(ctx, "temp-1", "srv-9"))

	got, err := repo.GetCachedItem(ctx, "srv-9")
	require.NoError(t, err)
	require.NotNil(t, got)

	old, err := repo.GetCachedItem(ctx, "temp-1")
	require.NoError(t, err)
	require.Nil(t, old)

	entries, err := repo.ListPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "srv-9", entries[0].ItemID)

	// The image was released for upload under the server id.
	images, err := repo.ListImagesByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, "srv-9", images[0].ItemID)

	waiting, err := repo.ListImagesByStatus(ctx, StatusWaitingForItem)
	require.NoError(t, err)
	require.Empty(t, waiting)
}

func TestReplaceCategories(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceCategories(ctx, []CachedCategory{
		{ID: "c1", Name: "Fasteners", SortOrder: 2},
		{ID: "c2", Name: "Adhesives", SortOrder: 1},
	}))

	cats, err := repo.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	require.Equal(t, "Adhesives", cats[0].Name)
	require.Equal(t, "Fasteners", cats[1].Name)

	// A fresh snapshot fully replaces the old one.
	require.NoError(t, repo.ReplaceCategories(ctx, []CachedCategory{
		{ID: "c3", Name: "Paints", SortOrder: 1},
	}))
	cats, err = repo.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	require.Equal(t, "Paints", cats[0].Name)
}
