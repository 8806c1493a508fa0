package scraper

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_intel/config"
	"market_intel/models"
)

func nestedPlatform() *config.PlatformConfig {
	return &config.PlatformConfig{
		ID: "nested",
		Fields: map[string]string{
			"id":       "listing.ref",
			"title":    "listing.headline",
			"price":    "pricing.amount",
			"address":  "location.street",
			"size":     "details.area",
			"bedrooms": "details.rooms",
			"images":   "media.url",
			"url":      "link",
		},
		Quirks: config.Quirks{
			PriceFormat: "numeric",
			PriceScale:  0.01,
			URLPrefix:   "https://example.com",
			ImagePrefix: "https://img.example.com",
		},
	}
}

func TestNormalize_NestedPathsAndQuirks(t *testing.T) {
	raw := models.RawListing{Fields: map[string]any{
		"listing":  map[string]any{"ref": json.Number("981"), "headline": "  Loft with terrace "},
		"pricing":  map[string]any{"amount": "45000000"},
		"location": map[string]any{"street": "4 Harbour Road"},
		"details":  map[string]any{"area": json.Number("72.456"), "rooms": json.Number("2")},
		"media": []any{
			map[string]any{"url": "/a.jpg"},
			map[string]any{"url": "//cdn.example.com/b.jpg"},
			map[string]any{"url": "/a.jpg"},
		},
		"link": "/listing/981",
	}}

	l, err := Normalize(raw, nestedPlatform(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", l.OrgID)
	assert.Equal(t, "nested", l.Platform)
	assert.Equal(t, "981", l.SourceListingID)
	assert.Equal(t, "Loft with terrace", l.Title)
	require.NotNil(t, l.Price)
	assert.Equal(t, int64(450000), *l.Price)
	require.NotNil(t, l.SizeM2)
	assert.Equal(t, 72.46, *l.SizeM2)
	require.NotNil(t, l.Bedrooms)
	assert.Equal(t, 2, *l.Bedrooms)
	assert.Equal(t, "https://example.com/listing/981", l.URL)
	assert.Equal(t, []string{"https://img.example.com/a.jpg", "https://cdn.example.com/b.jpg"}, l.Images)
	assert.True(t, l.IsActive)
	assert.NotEmpty(t, l.ContentHash)
}

func TestNormalize_IsDeterministic(t *testing.T) {
	raw := models.RawListing{Fields: map[string]any{
		"listing": map[string]any{"ref": "7"},
		"pricing": map[string]any{"amount": json.Number("100")},
	}}

	base, err := Normalize(raw, nestedPlatform(), "org-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Normalize(raw, nestedPlatform(), "org-1")
		require.NoError(t, err)
		assert.Equal(t, base, again)
	}
}

func TestNormalize_MissingOptionalFields(t *testing.T) {
	raw := models.RawListing{Fields: map[string]any{
		"listing": map[string]any{"ref": "8"},
		"pricing": map[string]any{"amount": "on request"},
	}}

	l, err := Normalize(raw, nestedPlatform(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "8", l.SourceListingID)
	assert.Nil(t, l.Price)
	assert.Equal(t, "on request", l.PriceText)
	assert.Nil(t, l.SizeM2)
	assert.Nil(t, l.Bedrooms)
	assert.Empty(t, l.Images)
	assert.Empty(t, l.Title)
}

func TestNormalize_EmptyRecord(t *testing.T) {
	_, err := Normalize(models.RawListing{}, nestedPlatform(), "org-1")
	assert.ErrorIs(t, err, errEmptyRecord)
}

func TestParseHelpers(t *testing.T) {
	bedrooms := parseBedrooms("3 + 1")
	require.NotNil(t, bedrooms)
	assert.Equal(t, 4, *bedrooms)
	assert.Nil(t, parseBedrooms("studio"))

	size := parseSize("1,000 sqft", "sqft")
	require.NotNil(t, size)
	assert.Equal(t, 92.9, *size)
	assert.Nil(t, parseSize("0", "m2"))

	price, text := parsePrice("$1,149,900", config.Quirks{PriceFormat: "text"})
	require.NotNil(t, price)
	assert.Equal(t, int64(1149900), *price)
	assert.Equal(t, "$1,149,900", text)

	price, _ = parsePrice("$1,149,900", config.Quirks{PriceFormat: "numeric"})
	assert.Nil(t, price, "numeric platforms do not guess from text")

	assert.Equal(t, "rent", normalizeTransactionType("For Lease"))
	assert.Equal(t, "sale", normalizeTransactionType("For sale"))
	assert.Equal(t, "auction", normalizeTransactionType("Auction"))
}
