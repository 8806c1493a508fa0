package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/phuslu/log"

	"market_intel/config"
	"market_intel/httputil"
	"market_intel/models"
)

// APIFetcher pages through a JSON search endpoint.
type APIFetcher struct {
	cfg    *config.PlatformConfig
	client *http.Client
}

func NewAPIFetcher(cfg *config.PlatformConfig, client *http.Client) *APIFetcher {
	return &APIFetcher{cfg: cfg, client: client}
}

func (f *APIFetcher) Fetch(ctx context.Context, req FetchRequest) ([]models.RawListing, error) {
	return paginate(ctx, f.cfg, req, func(ctx context.Context, area string, page int) ([]models.RawListing, error) {
		listings, err := f.fetchPage(ctx, req.Filters, area, page)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("platform", f.cfg.ID).Str("area", area).Int("page", page).Int("count", len(listings)).Msg("api page fetched")
		return listings, nil
	})
}

func (f *APIFetcher) fetchPage(ctx context.Context, filters models.ScrapeFilters, area string, page int) ([]models.RawListing, error) {
	params := f.buildParams(filters, area, page)
	endpoint := expandTemplate(f.cfg.SearchURL(), area, page, f.cfg.PageSize)

	var httpReq *http.Request
	var err error
	if f.cfg.Method == http.MethodPost {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		if len(params) > 0 {
			sep := "?"
			if strings.Contains(endpoint, "?") {
				sep = "&"
			}
			endpoint += sep + params.Encode()
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "application/json")
	httputil.BrowserHeaders(httpReq)
	if f.cfg.BaseURL != "" {
		httpReq.Header.Set("Referer", f.cfg.BaseURL)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s API error %d: %s", f.cfg.ID, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeResults(body, f.cfg.ResultsPath)
}

// buildParams maps the logical filter names onto the platform's parameter names.
// Filters without a configured parameter are not sent.
func (f *APIFetcher) buildParams(filters models.ScrapeFilters, area string, page int) url.Values {
	values := url.Values{}
	for k, v := range f.cfg.Static {
		values.Set(k, v)
	}

	set := func(logical, value string) {
		if name := f.cfg.Params[logical]; name != "" && value != "" {
			values.Set(name, value)
		}
	}
	set("page", strconv.Itoa(page))
	set("page_size", strconv.Itoa(f.cfg.PageSize))
	set("area", area)
	set("municipality", strings.Join(filters.Municipalities, ","))
	set("transaction_type", strings.Join(filters.TransactionTypes, ","))
	set("property_type", strings.Join(filters.PropertyTypes, ","))
	if filters.PriceMin != nil {
		set("price_min", strconv.FormatInt(*filters.PriceMin, 10))
	}
	if filters.PriceMax != nil {
		set("price_max", strconv.FormatInt(*filters.PriceMax, 10))
	}
	return values
}

// decodeResults extracts the record array at the dotted resultsPath, keeping
// each record's original bytes.
func decodeResults(body []byte, resultsPath string) ([]models.RawListing, error) {
	raw := json.RawMessage(body)
	if resultsPath != "" {
		for _, key := range strings.Split(resultsPath, ".") {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("parse response at %q: %w", key, err)
			}
			next, ok := obj[key]
			if !ok {
				return nil, fmt.Errorf("parse response: missing %q", key)
			}
			raw = next
		}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}

	listings := make([]models.RawListing, 0, len(items))
	for _, item := range items {
		fields := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			// Kept so the normalizer reports it as a listing-level failure.
			fields = nil
		}
		listings = append(listings, models.RawListing{Fields: fields, Data: item})
	}
	return listings, nil
}
