package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"market_intel/models"
)

var (
	streetReplacements = []struct{ full, abbrev string }{
		{"street", "st"},
		{"avenue", "ave"},
		{"drive", "dr"},
		{"road", "rd"},
		{"boulevard", "blvd"},
		{"lane", "ln"},
		{"court", "ct"},
		{"place", "pl"},
		{"crescent", "cres"},
		{"highway", "hwy"},
		{"apartment", "apt"},
		{"suite", "ste"},
	}
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)
)

// Fingerprint hashes the mutable attributes of a listing. Two observations with
// the same fingerprint carry no new information beyond the sighting itself.
func Fingerprint(l *models.CanonicalListing) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		strings.TrimSpace(l.Title),
		optInt64(l.Price),
		NormalizeAddress(l.Address),
		strings.ToLower(l.Area),
		optFloat(l.SizeM2),
		optInt(l.Bedrooms),
		strings.ToLower(l.PropertyType),
		strings.ToLower(l.TransactionType),
		l.URL,
		strings.Join(l.Images, ","),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// NormalizeAddress lowercases, strips punctuation and abbreviates street words.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")
	words := strings.Fields(addr)
	for i, w := range words {
		for _, r := range streetReplacements {
			if w == r.full {
				words[i] = r.abbrev
				break
			}
		}
	}
	addr = strings.Join(words, " ")
	addr = multiSpaceRegex.ReplaceAllString(addr, " ")
	return strings.TrimSpace(addr)
}

func optInt64(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
