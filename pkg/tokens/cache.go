package tokens

import (
	"hash/fnv"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultCacheExpiration = 30 * time.Minute
	DefaultCacheCleanup    = 10 * time.Minute
)

// CachedCounter memoizes counts per (model, text), so that recounting a
// message only tokenizes fragments whose text changed.
type CachedCounter struct {
	inner Counter
	cache *cache.Cache
}

type CachedCounterOption func(*CachedCounter)

func WithExpiration(expiration, cleanup time.Duration) CachedCounterOption {
	return func(c *CachedCounter) {
		c.cache = cache.New(expiration, cleanup)
	}
}

func NewCachedCounter(inner Counter, opts ...CachedCounterOption) *CachedCounter {
	ret := &CachedCounter{
		inner: inner,
		cache: cache.New(DefaultCacheExpiration, DefaultCacheCleanup),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func cacheKey(text string, modelID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return modelID + "/" + strconv.Itoa(len(text)) + "/" + strconv.FormatUint(h.Sum64(), 16)
}

func (c *CachedCounter) Count(text string, modelID string) int {
	if text == "" {
		return 0
	}
	key := cacheKey(text, modelID)
	if v, ok := c.cache.Get(key); ok {
		return v.(int)
	}
	n := c.inner.Count(text, modelID)
	c.cache.Set(key, n, cache.DefaultExpiration)
	return n
}

// Len returns the number of memoized entries.
func (c *CachedCounter) Len() int {
	return c.cache.ItemCount()
}

var _ Counter = (*CachedCounter)(nil)
