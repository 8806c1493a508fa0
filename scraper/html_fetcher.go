package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"

	"market_intel/config"
	"market_intel/httputil"
	"market_intel/models"
)

// HTMLFetcher scrapes server-rendered search result pages.
type HTMLFetcher struct {
	cfg    *config.PlatformConfig
	client *http.Client
}

func NewHTMLFetcher(cfg *config.PlatformConfig, client *http.Client) *HTMLFetcher {
	return &HTMLFetcher{cfg: cfg, client: client}
}

func (f *HTMLFetcher) Fetch(ctx context.Context, req FetchRequest) ([]models.RawListing, error) {
	return paginate(ctx, f.cfg, req, func(ctx context.Context, area string, page int) ([]models.RawListing, error) {
		pageURL := expandTemplate(f.cfg.SearchURL(), area, page, f.cfg.PageSize)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		httputil.BrowserHeaders(httpReq)

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s returned %d: %s", pageURL, resp.StatusCode, strings.TrimSpace(string(body)))
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("parse html: %w", err)
		}

		listings, err := extractCards(doc, f.cfg)
		if err != nil {
			return nil, err
		}
		if len(listings) == 0 {
			if content, err := doc.Html(); err == nil {
				if trigger := detectBlock(content); trigger != "" {
					return nil, fmt.Errorf("%w: %s", ErrBlocked, trigger)
				}
			}
		}
		log.Debug().Str("platform", f.cfg.ID).Str("url", pageURL).Int("count", len(listings)).Msg("html page parsed")
		return listings, nil
	})
}

// extractCards turns every element matching the card selector into a raw record.
// Field selectors take the form "css" for text or "css@attr" for an attribute;
// the images selector collects every match.
func extractCards(doc *goquery.Document, cfg *config.PlatformConfig) ([]models.RawListing, error) {
	cardSel := cfg.Selectors["card"]
	if cardSel == "" {
		return nil, fmt.Errorf("%s: no card selector configured", cfg.ID)
	}

	var listings []models.RawListing
	doc.Find(cardSel).Each(func(_ int, card *goquery.Selection) {
		fields := map[string]any{}
		if attr := cfg.Selectors["id_attr"]; attr != "" {
			if id, ok := card.Attr(attr); ok {
				fields["id"] = strings.TrimSpace(id)
			}
		}

		for name, selector := range cfg.Selectors {
			if name == "card" || name == "id_attr" {
				continue
			}
			css, attr := splitSelector(selector)
			matches := card
			if css != "" {
				matches = card.Find(css)
			}

			if name == "images" {
				var images []any
				matches.Each(func(_ int, s *goquery.Selection) {
					if v := selectionValue(s, attr); v != "" {
						images = append(images, v)
					}
				})
				if len(images) > 0 {
					fields[name] = images
				}
				continue
			}

			if v := selectionValue(matches.First(), attr); v != "" {
				fields[name] = v
			}
		}

		data, _ := json.Marshal(fields)
		listings = append(listings, models.RawListing{Fields: fields, Data: data})
	})

	return listings, nil
}

// ErrBlocked reports a bot-protection page served instead of results.
var ErrBlocked = errors.New("blocked by bot protection")

var blockTriggers = []string{
	"Request unsuccessful. Incapsula",
	"Incapsula incident ID",
	"Access Denied",
	"This request was blocked",
	"cf-challenge",
	"Just a moment...",
}

// detectBlock returns the first bot-protection marker found in a page.
func detectBlock(content string) string {
	for _, t := range blockTriggers {
		if strings.Contains(content, t) {
			return t
		}
	}
	return ""
}

func splitSelector(selector string) (css, attr string) {
	if i := strings.LastIndex(selector, "@"); i >= 0 {
		return strings.TrimSpace(selector[:i]), strings.TrimSpace(selector[i+1:])
	}
	return strings.TrimSpace(selector), ""
}

func selectionValue(s *goquery.Selection, attr string) string {
	if s.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := s.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}
