package scraper

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"market_intel/config"
	"market_intel/httputil"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Platform is one registry entry: the capability row and its fetch adapter.
type Platform struct {
	Config  *config.PlatformConfig
	Fetcher Fetcher
}

// Registry is the only place platform endpoints and quirks live.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Platform)}
}

// LoadRegistry builds fetchers for every configured platform.
func LoadRegistry(cfg *config.Config, clients *httputil.Clients) (*Registry, error) {
	r := NewRegistry()
	for id, platformCfg := range cfg.Platforms {
		fetcher, err := NewFetcher(platformCfg, clients, cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", id, err)
		}
		r.Register(platformCfg, fetcher)
	}
	return r, nil
}

func (r *Registry) Register(cfg *config.PlatformConfig, fetcher Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[cfg.ID] = Platform{Config: cfg, Fetcher: fetcher}
}

func (r *Registry) Lookup(id string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	if !ok {
		return Platform{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, id)
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
