package advisor

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agora/internal/economy/ports"
)

const (
	defaultCacheMaxSize = 128
	defaultCacheTTL     = 10 * time.Minute
)

// CacheConfig configures the advisor answer cache.
type CacheConfig struct {
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int
	// TTL is how long a cached answer remains valid.
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for advisor caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxSize: defaultCacheMaxSize, TTL: defaultCacheTTL}
}

type cacheEntry struct {
	response ports.AdvisorResponse
	storedAt time.Time
}

// cacheAdvisor memoizes answers keyed by (agent, trigger type, policy
// version). The same distress under the same policy gets the same advice
// without paying for another model call; any policy change rotates the key.
type cacheAdvisor struct {
	delegate ports.Advisor
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
}

// NewCacheAdvisor wraps delegate with an LRU answer cache. Zero config
// values fall back to DefaultCacheConfig.
func NewCacheAdvisor(delegate ports.Advisor, config CacheConfig) ports.Advisor {
	if delegate == nil {
		return nil
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		return delegate
	}
	return &cacheAdvisor{delegate: delegate, cache: cache, ttl: config.TTL}
}

func (c *cacheAdvisor) Invoke(ctx context.Context, req ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	key := cacheKey(req)
	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			return entry.response, nil
		}
		c.cache.Remove(key)
	}

	response, err := c.delegate.Invoke(ctx, req)
	if err != nil {
		return response, err
	}
	c.cache.Add(key, cacheEntry{response: response, storedAt: time.Now()})
	return response, nil
}

func cacheKey(req ports.AdvisorRequest) string {
	return fmt.Sprintf("%s:%s:v%d", req.AgentID, req.Trigger.Type, req.Context.Policy.Version)
}

var _ ports.Advisor = (*cacheAdvisor)(nil)
