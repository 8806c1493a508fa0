package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_intel/identity"
	"market_intel/models"
	"market_intel/storage"
)

func listing(id string, price int64) *models.CanonicalListing {
	l := &models.CanonicalListing{
		OrgID:           "org-1",
		Platform:        "a",
		SourceListingID: id,
		Title:           "Listing " + id,
		Price:           &price,
		Address:         id + " Main Street",
		IsActive:        true,
	}
	l.ContentHash = identity.Fingerprint(l)
	return l
}

func newEngine(t *testing.T) (*ReconciliationEngine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewReconciliationEngine(store), store
}

func TestUpsertListing_NewThenIdempotent(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	res, err := engine.UpsertListing(ctx, listing("1", 500000))
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.False(t, res.PriceChanged)

	res, err = engine.UpsertListing(ctx, listing("1", 500000))
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{}, res)
}

func TestUpsertListing_PriceChangeKeepsHistory(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return t0 }
	_, err := engine.UpsertListing(ctx, listing("1", 500000))
	require.NoError(t, err)

	t1 := t0.Add(24 * time.Hour)
	engine.now = func() time.Time { return t1 }
	res, err := engine.UpsertListing(ctx, listing("1", 480000))
	require.NoError(t, err)
	assert.True(t, res.PriceChanged)
	assert.True(t, res.Updated)
	assert.False(t, res.IsNew)

	got, err := store.GetListing(ctx, models.ListingKey{OrgID: "org-1", Platform: "a", SourceListingID: "1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(480000), *got.Price)
	require.NotNil(t, got.PreviousPrice)
	assert.Equal(t, int64(500000), *got.PreviousPrice)
	assert.Equal(t, t0, got.FirstSeenAt)
	assert.Equal(t, t1, got.LastSeenAt)
	require.NotNil(t, got.PriceChangedAt)
	assert.Equal(t, t1, *got.PriceChangedAt)
}

func TestUpsertListing_MissingPriceKeepsStoredPrice(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	_, err := engine.UpsertListing(ctx, listing("1", 500000))
	require.NoError(t, err)

	noPrice := listing("1", 0)
	noPrice.Price = nil
	noPrice.ContentHash = identity.Fingerprint(noPrice)
	res, err := engine.UpsertListing(ctx, noPrice)
	require.NoError(t, err)
	assert.False(t, res.PriceChanged)
	assert.False(t, res.Updated)

	got, err := store.GetListing(ctx, noPrice.Key())
	require.NoError(t, err)
	require.NotNil(t, got.Price)
	assert.Equal(t, int64(500000), *got.Price)
}

func TestUpsertListing_RejectsMissingSourceID(t *testing.T) {
	engine, _ := newEngine(t)
	_, err := engine.UpsertListing(context.Background(), listing("", 1))
	assert.ErrorIs(t, err, ErrMissingSourceID)
}

func TestDeactivateStale_FivePriorThreeSeen(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := engine.UpsertListing(ctx, listing(fmt.Sprint(i), 100000))
		require.NoError(t, err)
	}
	// Another tenant's listing must not be touched.
	other := listing("9", 100000)
	other.OrgID = "org-2"
	_, err := engine.UpsertListing(ctx, other)
	require.NoError(t, err)

	seen := []string{"1", "3", "5"}
	for _, id := range seen {
		_, err := engine.UpsertListing(ctx, listing(id, 100000))
		require.NoError(t, err)
	}

	n, err := engine.DeactivateStale(ctx, "org-1", "a", seen)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := store.ListActiveListingIDs(ctx, "org-1", "a")
	require.NoError(t, err)
	assert.Equal(t, seen, active)

	stale, err := store.GetListing(ctx, models.ListingKey{OrgID: "org-1", Platform: "a", SourceListingID: "2"})
	require.NoError(t, err)
	require.NotNil(t, stale, "stale listings are kept")
	assert.False(t, stale.IsActive)

	otherActive, err := store.ListActiveListingIDs(ctx, "org-2", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, otherActive)

	// Re-observing a stale listing reactivates it.
	res, err := engine.UpsertListing(ctx, listing("2", 100000))
	require.NoError(t, err)
	assert.True(t, res.Reactivated)
	n, err = engine.DeactivateStale(ctx, "org-1", "a", []string{"1", "2", "3", "4", "5"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpsertListing_ConcurrentSameAndDistinctKeys(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan UpsertResult, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			res, err := engine.UpsertListing(ctx, listing("same", 250000))
			assert.NoError(t, err)
			results <- res
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := engine.UpsertListing(ctx, listing(fmt.Sprintf("d%d", i), 250000))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	close(results)

	newCount := 0
	for res := range results {
		if res.IsNew {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount, "exactly one writer creates the row")

	ids, err := store.ListActiveListingIDs(ctx, "org-1", "a")
	require.NoError(t, err)
	assert.Len(t, ids, 21)
	assert.Empty(t, engine.locks, "per-key locks are released")
}
