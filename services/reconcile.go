package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market_intel/identity"
	"market_intel/models"
	"market_intel/storage"
)

var ErrMissingSourceID = errors.New("listing has no source listing id")

// ReconcileStore is the slice of the record store the engine needs.
type ReconcileStore interface {
	GetListing(ctx context.Context, key models.ListingKey) (*models.CanonicalListing, error)
	SaveListing(ctx context.Context, l *models.CanonicalListing) error
	ListActiveListingIDs(ctx context.Context, orgID, platform string) ([]string, error)
	DeactivateListings(ctx context.Context, orgID, platform string, ids []string, at time.Time) (int, error)
}

var _ ReconcileStore = (storage.Store)(nil)

// UpsertResult classifies one observation against prior state.
type UpsertResult struct {
	IsNew        bool
	PriceChanged bool
	Updated      bool
	Reactivated  bool
}

// ReconciliationEngine upserts canonical listings and retires the ones a full
// platform pass no longer observes. Rows are never deleted.
type ReconciliationEngine struct {
	store ReconcileStore
	now   func() time.Time

	mu    sync.Mutex
	locks map[models.ListingKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewReconciliationEngine(store ReconcileStore) *ReconciliationEngine {
	return &ReconciliationEngine{
		store: store,
		now:   time.Now,
		locks: make(map[models.ListingKey]*keyLock),
	}
}

// UpsertListing inserts or refreshes one listing. Writes to the same key are
// serialized; distinct keys proceed concurrently.
func (e *ReconciliationEngine) UpsertListing(ctx context.Context, l *models.CanonicalListing) (UpsertResult, error) {
	var result UpsertResult
	if l.SourceListingID == "" {
		return result, ErrMissingSourceID
	}

	key := l.Key()
	unlock := e.lock(key)
	defer unlock()

	now := e.now()
	existing, err := e.store.GetListing(ctx, key)
	if err != nil {
		return result, fmt.Errorf("get listing %s: %w", key.SourceListingID, err)
	}

	incoming := *l
	incoming.IsActive = true
	incoming.DeactivatedAt = nil
	incoming.LastSeenAt = now

	if existing == nil {
		incoming.FirstSeenAt = now
		incoming.PreviousPrice = nil
		incoming.PriceChangedAt = nil
		if err := e.store.SaveListing(ctx, &incoming); err != nil {
			return result, fmt.Errorf("insert listing %s: %w", key.SourceListingID, err)
		}
		result.IsNew = true
		*l = incoming
		return result, nil
	}

	incoming.FirstSeenAt = existing.FirstSeenAt
	incoming.PreviousPrice = existing.PreviousPrice
	incoming.PriceChangedAt = existing.PriceChangedAt

	// A record without a price keeps the last known one.
	if incoming.Price == nil && existing.Price != nil {
		p := *existing.Price
		incoming.Price = &p
		if incoming.PriceText == "" {
			incoming.PriceText = existing.PriceText
		}
		incoming.ContentHash = identity.Fingerprint(&incoming)
	}
	if incoming.Price != nil && existing.Price != nil && *incoming.Price != *existing.Price {
		prev := *existing.Price
		incoming.PreviousPrice = &prev
		changedAt := now
		incoming.PriceChangedAt = &changedAt
		result.PriceChanged = true
	}

	result.Reactivated = !existing.IsActive
	result.Updated = result.PriceChanged || incoming.ContentHash != existing.ContentHash

	if err := e.store.SaveListing(ctx, &incoming); err != nil {
		return result, fmt.Errorf("update listing %s: %w", key.SourceListingID, err)
	}
	*l = incoming
	return result, nil
}

// DeactivateStale marks inactive every active listing of the tenant/platform
// whose id is not in seenIDs. Callers invoke it only after a complete pass.
func (e *ReconciliationEngine) DeactivateStale(ctx context.Context, orgID, platform string, seenIDs []string) (int, error) {
	active, err := e.store.ListActiveListingIDs(ctx, orgID, platform)
	if err != nil {
		return 0, fmt.Errorf("list active listings: %w", err)
	}

	seen := make(map[string]struct{}, len(seenIDs))
	for _, id := range seenIDs {
		seen[id] = struct{}{}
	}

	var stale []string
	for _, id := range active {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := e.store.DeactivateListings(ctx, orgID, platform, stale, e.now())
	if err != nil {
		return 0, fmt.Errorf("deactivate listings: %w", err)
	}
	return n, nil
}

func (e *ReconciliationEngine) lock(key models.ListingKey) func() {
	e.mu.Lock()
	kl, ok := e.locks[key]
	if !ok {
		kl = &keyLock{}
		e.locks[key] = kl
	}
	kl.refs++
	e.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		e.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}
}
