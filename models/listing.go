package models

import (
	"encoding/json"
	"time"
)

// RawListing is one record exactly as a platform returned it. Fields holds the
// decoded record (JSON object or values scraped from HTML); Data keeps the
// original bytes for archiving.
type RawListing struct {
	Platform string          `json:"platform"`
	Page     int             `json:"page"`
	Fields   map[string]any  `json:"fields"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ListingKey is the uniqueness key of a canonical listing.
type ListingKey struct {
	OrgID           string
	Platform        string
	SourceListingID string
}

// CanonicalListing is the platform-agnostic form of an external property record.
type CanonicalListing struct {
	OrgID           string     `json:"org_id" db:"org_id"`
	Platform        string     `json:"platform" db:"platform"`
	SourceListingID string     `json:"source_listing_id" db:"source_listing_id"`
	Title           string     `json:"title" db:"title"`
	URL             string     `json:"url" db:"url"`
	Price           *int64     `json:"price" db:"price"`
	PriceText       string     `json:"price_text" db:"price_text"`
	PreviousPrice   *int64     `json:"previous_price" db:"previous_price"`
	Address         string     `json:"address" db:"address"`
	Area            string     `json:"area" db:"area"`
	SizeM2          *float64   `json:"size_m2" db:"size_m2"`
	Bedrooms        *int       `json:"bedrooms" db:"bedrooms"`
	PropertyType    string     `json:"property_type" db:"property_type"`
	TransactionType string     `json:"transaction_type" db:"transaction_type"`
	Images          []string   `json:"images" db:"images"`
	ContentHash     string     `json:"content_hash" db:"content_hash"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	FirstSeenAt     time.Time  `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt      time.Time  `json:"last_seen_at" db:"last_seen_at"`
	PriceChangedAt  *time.Time `json:"price_changed_at" db:"price_changed_at"`
	DeactivatedAt   *time.Time `json:"deactivated_at" db:"deactivated_at"`
}

func (l *CanonicalListing) Key() ListingKey {
	return ListingKey{OrgID: l.OrgID, Platform: l.Platform, SourceListingID: l.SourceListingID}
}
