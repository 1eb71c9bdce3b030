package engine

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/carverauto/serviceradar/srql/internal/parser"
)

const (
	DefaultParseCacheTTL  = 10 * time.Minute
	DefaultParseCacheSize = 1024
)

// parseCache holds parsed queries by their text. Plans are never cached since they depend on
// the clock.
type parseCache struct {
	cache *ttlcache.Cache[string, *parser.Query]
	ttl   time.Duration
}

func newParseCache(size uint64, ttl time.Duration) *parseCache {
	return &parseCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *parser.Query](ttl),
			ttlcache.WithCapacity[string, *parser.Query](size),
			ttlcache.WithDisableTouchOnHit[string, *parser.Query](),
		),
		ttl: ttl,
	}
}

// parse returns the cached query for text, parsing and storing it on a miss. Errors are not
// cached.
func (c *parseCache) parse(text string) (*parser.Query, error) {
	if item := c.cache.Get(text); item != nil {
		return item.Value(), nil
	}
	q, err := parser.Parse(text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, q, c.ttl)
	return q, nil
}

func (c *parseCache) len() int {
	return c.cache.Len()
}
