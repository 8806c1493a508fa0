package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"
	"github.com/playwright-community/playwright-go"

	"market_intel/config"
	"market_intel/httputil"
	"market_intel/models"
)

// BrowserFetcher drives a headless browser for infinite-scroll result pages.
// Each scroll step counts as one page against the page cap.
type BrowserFetcher struct {
	cfg   *config.PlatformConfig
	proxy config.ProxyConfig
}

func NewBrowserFetcher(cfg *config.PlatformConfig, proxy config.ProxyConfig) *BrowserFetcher {
	return &BrowserFetcher{cfg: cfg, proxy: proxy}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, req FetchRequest) ([]models.RawListing, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, &FetchError{Platform: f.cfg.ID, Page: 1, Err: fmt.Errorf("start playwright: %w", err)}
	}
	defer pw.Stop()

	launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(true)}
	if f.proxy.URL != "" {
		launch.Proxy = &playwright.Proxy{Server: f.proxy.URL}
	}
	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		return nil, &FetchError{Platform: f.cfg.ID, Page: 1, Err: fmt.Errorf("launch browser: %w", err)}
	}
	defer browser.Close()

	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		UserAgent: playwright.String(httputil.UserAgent()),
		Locale:    playwright.String("en-CA"),
	})
	if err != nil {
		return nil, &FetchError{Platform: f.cfg.ID, Page: 1, Err: fmt.Errorf("new page: %w", err)}
	}

	areas := req.Filters.Areas
	if len(areas) == 0 {
		areas = []string{""}
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var all []models.RawListing
	seen := make(map[string]bool)
	budget := maxPages
	for _, area := range areas {
		if budget <= 0 {
			break
		}
		listings, used, err := f.scrapeArea(ctx, page, req, area, budget)
		budget -= used
		for _, l := range listings {
			key := string(l.Data)
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, l)
		}
		if err != nil {
			return all, &FetchError{Platform: f.cfg.ID, Page: maxPages - budget, Partial: len(all) > 0, Err: err}
		}
	}

	return all, nil
}

// scrapeArea loads the search page and scrolls until no new cards appear or the
// budget is spent. Whatever has rendered is parsed even when scrolling fails.
func (f *BrowserFetcher) scrapeArea(ctx context.Context, page playwright.Page, req FetchRequest, area string, budget int) ([]models.RawListing, int, error) {
	searchURL := expandTemplate(f.cfg.SearchURL(), area, 1, f.cfg.PageSize)

	req.report(models.CurrentAction{Type: models.ActionConnecting, Message: "Opening " + searchURL, Platform: f.cfg.ID, Page: 1})
	if _, err := page.Goto(searchURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(60000),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, 1, fmt.Errorf("goto %s: %w", searchURL, err)
	}

	cardSel := f.cfg.Selectors["card"]
	used := 1
	var scrollErr error
	lastCount := -1
	for used < budget {
		count, err := page.Locator(cardSel).Count()
		if err != nil {
			scrollErr = err
			break
		}
		if count == lastCount {
			break
		}
		lastCount = count

		used++
		req.report(models.CurrentAction{
			Type:     models.ActionScrolling,
			Message:  fmt.Sprintf("Scrolling, %d listings loaded", count),
			Platform: f.cfg.ID,
			Page:     used,
		})
		if _, err := page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			scrollErr = err
			break
		}
		if err := sleepCtx(ctx, time.Duration(f.cfg.RateLimitMS)*time.Millisecond); err != nil {
			scrollErr = err
			break
		}
	}

	content, err := page.Content()
	if err != nil {
		return nil, used, fmt.Errorf("read content: %w", err)
	}
	listings, err := parseCardsHTML(content, f.cfg)
	if err != nil {
		return nil, used, err
	}
	if len(listings) == 0 {
		if trigger := detectBlock(content); trigger != "" {
			return nil, used, fmt.Errorf("%w: %s", ErrBlocked, trigger)
		}
	}
	for i := range listings {
		listings[i].Platform = f.cfg.ID
		listings[i].Page = used
	}

	log.Info().Str("platform", f.cfg.ID).Str("area", area).Int("scrolls", used).Int("count", len(listings)).Msg("browser page parsed")
	return listings, used, scrollErr
}

func parseCardsHTML(content string, cfg *config.PlatformConfig) ([]models.RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return extractCards(doc, cfg)
}
