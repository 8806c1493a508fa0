package httputil

import (
	"net/http"
	"net/url"
	"time"

	"market_intel/config"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Clients struct {
	Scraping *http.Client // proxied, for listing platforms
	API      *http.Client // direct, for the cluster runner
}

func NewClients(proxyCfg *config.ProxyConfig) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &Clients{
		Scraping: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		API:      &http.Client{Timeout: 30 * time.Second},
	}
}

// BrowserHeaders sets the headers listing platforms expect from a browser.
func BrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-CA,en;q=0.9")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	}
}

// UserAgent is the browser identity used by every fetcher.
func UserAgent() string {
	return userAgent
}
