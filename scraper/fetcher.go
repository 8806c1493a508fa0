package scraper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"market_intel/config"
	"market_intel/httputil"
	"market_intel/models"
)

var ErrFetchFailed = errors.New("fetch failed")

// FetchError is a classified platform failure. Partial is set when records
// were retrieved before the failure; they are returned alongside the error.
type FetchError struct {
	Platform string
	Page     int
	Partial  bool
	Err      error
}

func (e *FetchError) Error() string {
	if e.Partial {
		return fmt.Sprintf("%s: fetch interrupted at page %d: %v", e.Platform, e.Page, e.Err)
	}
	return fmt.Sprintf("%s: fetch failed at page %d: %v", e.Platform, e.Page, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// ActionFunc receives CurrentAction updates emitted while fetching.
type ActionFunc func(models.CurrentAction)

type FetchRequest struct {
	Filters  models.ScrapeFilters
	MaxPages int
	Report   ActionFunc
}

func (r FetchRequest) report(a models.CurrentAction) {
	if r.Report != nil {
		r.Report(a)
	}
}

// Fetcher retrieves a bounded, ordered sequence of raw listings for one platform.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) ([]models.RawListing, error)
}

func NewFetcher(cfg *config.PlatformConfig, clients *httputil.Clients, proxy config.ProxyConfig) (Fetcher, error) {
	switch cfg.Strategy {
	case "api":
		return NewAPIFetcher(cfg, clients.Scraping), nil
	case "html":
		return NewHTMLFetcher(cfg, clients.Scraping), nil
	case "browser":
		return NewBrowserFetcher(cfg, proxy), nil
	default:
		return nil, fmt.Errorf("%s: unsupported strategy %q", cfg.ID, cfg.Strategy)
	}
}

// pageFunc fetches one page of one search area.
type pageFunc func(ctx context.Context, area string, page int) ([]models.RawListing, error)

// paginate walks pages 1..MaxPages for every requested area, stopping an area
// early on a short page. The page cap is shared by all areas.
func paginate(ctx context.Context, cfg *config.PlatformConfig, req FetchRequest, fetchPage pageFunc) ([]models.RawListing, error) {
	areas := req.Filters.Areas
	if len(areas) == 0 {
		areas = []string{""}
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var all []models.RawListing
	fetched := 0
	for _, area := range areas {
		for page := 1; fetched < maxPages; page++ {
			if fetched > 0 {
				req.report(models.CurrentAction{
					Type:     models.ActionWaiting,
					Message:  "Waiting before next page",
					Platform: cfg.ID,
					Page:     page,
				})
				if err := sleepCtx(ctx, time.Duration(cfg.RateLimitMS)*time.Millisecond); err != nil {
					return all, &FetchError{Platform: cfg.ID, Page: page, Partial: len(all) > 0, Err: err}
				}
			}

			req.report(models.CurrentAction{
				Type:     models.ActionConnecting,
				Message:  fmt.Sprintf("Fetching page %d", page),
				Platform: cfg.ID,
				Page:     page,
			})

			records, err := fetchPage(ctx, area, page)
			fetched++
			if err != nil {
				return all, &FetchError{Platform: cfg.ID, Page: page, Partial: len(all) > 0, Err: err}
			}
			for i := range records {
				records[i].Platform = cfg.ID
				records[i].Page = page
			}
			all = append(all, records...)

			if len(records) == 0 || (cfg.PageSize > 0 && len(records) < cfg.PageSize) {
				break
			}
		}
	}

	return all, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// expandTemplate fills the {area}, {page} and {page_size} placeholders of an endpoint.
func expandTemplate(tmpl, area string, page, pageSize int) string {
	return strings.NewReplacer(
		"{area}", slugify(area),
		"{page}", strconv.Itoa(page),
		"{page_size}", strconv.Itoa(pageSize),
	).Replace(tmpl)
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
