// Package provider holds the process-wide handle to the card processor's
// public configuration. This cache is the only piece of mutable state
// shared across purchase flows, and its single initialization race is
// resolved by coalescing concurrent first callers into one fetch.
package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PublicConfig is the processor's client-visible configuration.
// Configured == false is a first-class state: callers disable the card
// payment surface and tell the user, they never treat it as an error.
type PublicConfig struct {
	PublishableKey string `json:"publishableKey"`
	Configured     bool   `json:"isConfigured"`
}

// ConfigFetcher fetches the provider configuration from the ledger backend.
type ConfigFetcher interface {
	FetchProviderConfig(ctx context.Context) (PublicConfig, error)
}

// ConfigCache lazily fetches the provider configuration once and serves
// it for the process lifetime. Concurrent callers during the initial
// fetch await the same in-flight request.
type ConfigCache struct {
	fetcher     ConfigFetcher
	fallbackKey string
	logger      *zap.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	cached *PublicConfig
}

// NewConfigCache creates a ConfigCache. fallbackKey may be empty; when
// set, it is used if the backend fetch fails.
func NewConfigCache(fetcher ConfigFetcher, fallbackKey string, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{fetcher: fetcher, fallbackKey: fallbackKey, logger: logger}
}

// Get returns the provider configuration, fetching it on first use.
// A failed fetch degrades to the static fallback key when one is
// configured, and to the unconfigured state otherwise; neither case is
// an error. Successful and fallback results are cached for the process
// lifetime; the unconfigured state is not, so a later caller retries.
func (c *ConfigCache) Get(ctx context.Context) (PublicConfig, error) {
	c.mu.RLock()
	if c.cached != nil {
		cfg := *c.cached
		c.mu.RUnlock()
		return cfg, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do("provider-config", func() (interface{}, error) {
		cfg, fetchErr := c.fetcher.FetchProviderConfig(ctx)
		if fetchErr != nil {
			if c.fallbackKey != "" {
				c.logger.Warn("provider config fetch failed, using static fallback key",
					zap.Error(fetchErr),
				)
				cfg = PublicConfig{PublishableKey: c.fallbackKey, Configured: true}
			} else {
				c.logger.Warn("provider config unavailable, payments disabled",
					zap.Error(fetchErr),
				)
				return PublicConfig{Configured: false}, nil
			}
		} else if !cfg.Configured {
			// The backend answered: payments are off. Not cached, and the
			// fallback key must not override an explicit answer.
			return PublicConfig{Configured: false}, nil
		}

		c.mu.Lock()
		c.cached = &cfg
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		// Not reached today: fetch failures degrade instead of erroring.
		return PublicConfig{Configured: false}, err
	}
	return result.(PublicConfig), nil
}

// Reset clears the cached configuration. Test isolation only.
func (c *ConfigCache) Reset() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	c.group.Forget("provider-config")
}
