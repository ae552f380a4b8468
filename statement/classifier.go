package statement

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/edgepop/telemetry"
)

// Classifier memoizes Classify for hot statements.
// Keys are xxhash digests of the raw SQL; a collision can only mis-label a
// statement whose digest matches another's, which is accepted.
type Classifier struct {
	cache *lru.Cache[uint64, Kind]
}

// NewClassifier creates a Classifier holding up to size entries.
// size <= 0 disables caching.
func NewClassifier(size int) (*Classifier, error) {
	if size <= 0 {
		return &Classifier{}, nil
	}
	cache, err := lru.New[uint64, Kind](size)
	if err != nil {
		return nil, err
	}
	return &Classifier{cache: cache}, nil
}

// Classify returns the Kind of sql, consulting the cache first
func (c *Classifier) Classify(sql string) Kind {
	if c == nil || c.cache == nil {
		return Classify(sql)
	}

	key := xxhash.Sum64String(sql)
	if k, ok := c.cache.Get(key); ok {
		telemetry.ClassifierCacheTotal.With("hit").Inc()
		return k
	}

	telemetry.ClassifierCacheTotal.With("miss").Inc()
	k := Classify(sql)
	c.cache.Add(key, k)
	return k
}

// Len returns the number of cached entries
func (c *Classifier) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
