package scraper

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"market_intel/config"
	"market_intel/identity"
	"market_intel/models"
)

const sqftToM2 = 0.09290304

var (
	numberRegex  = regexp.MustCompile(`\d[\d,]*(\.\d+)?`)
	integerRegex = regexp.MustCompile(`\d+`)

	errEmptyRecord = errors.New("empty record")
)

// Normalize converts a raw platform record into a canonical listing. Missing
// optional fields are left empty; a missing price yields a nil price. The
// output depends only on the inputs.
func Normalize(raw models.RawListing, p *config.PlatformConfig, orgID string) (models.CanonicalListing, error) {
	if len(raw.Fields) == 0 {
		return models.CanonicalListing{}, fmt.Errorf("%s: %w", p.ID, errEmptyRecord)
	}

	get := func(field string) []any {
		path := p.Fields[field]
		if path == "" {
			return nil
		}
		return lookupPath(raw.Fields, path)
	}

	l := models.CanonicalListing{
		OrgID:           orgID,
		Platform:        p.ID,
		SourceListingID: firstString(get("id")),
		Title:           firstString(get("title")),
		Address:         firstString(get("address")),
		Area:            firstString(get("area")),
		PropertyType:    firstString(get("property_type")),
		TransactionType: normalizeTransactionType(firstString(get("transaction_type"))),
		IsActive:        true,
	}

	l.Price, l.PriceText = parsePrice(first(get("price")), p.Quirks)
	l.SizeM2 = parseSize(first(get("size")), p.Quirks.SizeUnit)
	l.Bedrooms = parseBedrooms(first(get("bedrooms")))
	l.URL = withPrefix(firstString(get("url")), p.Quirks.URLPrefix)
	l.Images = collectImages(get("images"), p.Quirks.ImagePrefix)
	if l.Title == "" {
		l.Title = l.Address
	}

	l.ContentHash = identity.Fingerprint(&l)
	return l, nil
}

// lookupPath walks a dotted path, fanning out over arrays. All reachable
// non-nil leaves are returned in document order.
func lookupPath(v any, path string) []any {
	if path == "" {
		if v == nil {
			return nil
		}
		if arr, ok := v.([]any); ok {
			var out []any
			for _, item := range arr {
				out = append(out, lookupPath(item, "")...)
			}
			return out
		}
		return []any{v}
	}

	key, rest, _ := strings.Cut(path, ".")
	switch node := v.(type) {
	case map[string]any:
		return lookupPath(node[key], rest)
	case []any:
		var out []any
		for _, item := range node {
			out = append(out, lookupPath(item, path)...)
		}
		return out
	default:
		return nil
	}
}

func first(values []any) any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

func firstString(values []any) string {
	return toString(first(values))
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// toFloat reads a number from a JSON number or the first number in a string.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		m := numberRegex.FindString(x)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parsePrice(v any, q config.Quirks) (*int64, string) {
	text := toString(v)
	if text == "" {
		return nil, ""
	}

	if s, ok := v.(string); ok && q.PriceFormat == "numeric" {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, text
		}
		return scalePrice(f, q.PriceScale), text
	}

	f, ok := toFloat(v)
	if !ok {
		return nil, text
	}
	return scalePrice(f, q.PriceScale), text
}

func scalePrice(f, scale float64) *int64 {
	if scale > 0 {
		f *= scale
	}
	if f <= 0 {
		return nil
	}
	price := int64(math.Round(f))
	return &price
}

func parseSize(v any, unit string) *float64 {
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return nil
	}
	if unit == "sqft" {
		f *= sqftToM2
	}
	size := math.Round(f*100) / 100
	return &size
}

// parseBedrooms accepts 3, "3" and "3 + 1"; the parts are summed.
func parseBedrooms(v any) *int {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		parts := integerRegex.FindAllString(x, -1)
		if len(parts) == 0 {
			return nil
		}
		total := 0
		for _, p := range parts {
			n, _ := strconv.Atoi(p)
			total += n
		}
		return &total
	default:
		f, ok := toFloat(x)
		if !ok {
			return nil
		}
		n := int(f)
		return &n
	}
}

func normalizeTransactionType(s string) string {
	lower := strings.ToLower(s)
	switch {
	case lower == "":
		return ""
	case strings.Contains(lower, "rent"), strings.Contains(lower, "lease"):
		return "rent"
	case strings.Contains(lower, "sale"), strings.Contains(lower, "sell"):
		return "sale"
	default:
		return lower
	}
}

func withPrefix(u, prefix string) string {
	if u == "" || prefix == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(u, "/")
}

func collectImages(values []any, prefix string) []string {
	var images []string
	seen := make(map[string]bool)
	for _, v := range values {
		img := withPrefix(toString(v), prefix)
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		images = append(images, img)
	}
	return images
}
