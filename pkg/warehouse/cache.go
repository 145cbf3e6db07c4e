package warehouse

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IDCache memoises committed dimension ids by natural key. Dimension rows
// are immutable and never deleted, so a committed id stays valid for the
// life of the warehouse.
type IDCache struct {
	entries *lru.Cache[string, int64]
}

// NewIDCache creates a cache holding up to size keys
func NewIDCache(size int) (*IDCache, error) {
	c, err := lru.New[string, int64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dimension cache: %w", err)
	}
	return &IDCache{entries: c}, nil
}

func (c *IDCache) get(kind, key string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	return c.entries.Get(kind + "|" + key)
}

func (c *IDCache) add(kind, key string, id int64) {
	if c == nil {
		return
	}
	c.entries.Add(kind+"|"+key, id)
}

// Len returns the number of cached ids
func (c *IDCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
