package partition

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of resources whose layout is kept.
const DefaultCacheSize = 1024

// Cache keeps the routing map of recently used resources. Misses for the
// same resource share one fetch.
type Cache struct {
	fetcher RangeFetcher
	maps    *lru.Cache
	group   singleflight.Group

	mu sync.Mutex
	// gens counts invalidations per resource; a fetch that started before
	// the latest one is not cached.
	gens map[string]uint64
}

// NewCache creates a cache holding up to size resources.
func NewCache(size int, fetcher RangeFetcher) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	maps, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("partition: create cache: %w", err)
	}
	return &Cache{fetcher: fetcher, maps: maps, gens: make(map[string]uint64)}, nil
}

// Resolve returns the range that owns partitionKey in resourceID, loading
// the resource's layout on a miss.
func (c *Cache) Resolve(ctx context.Context, resourceID, partitionKey string) (KeyRange, error) {
	m, err := c.routingMap(ctx, resourceID)
	if err != nil {
		return KeyRange{}, err
	}
	return m.Lookup(EffectivePartitionKey(partitionKey))
}

func (c *Cache) routingMap(ctx context.Context, resourceID string) (*RoutingMap, error) {
	if v, ok := c.maps.Get(resourceID); ok {
		return v.(*RoutingMap), nil
	}

	ch := c.group.DoChan(resourceID, func() (any, error) {
		gen := c.generation(resourceID)
		ranges, err := c.fetcher.FetchRanges(context.WithoutCancel(ctx), resourceID)
		if err != nil {
			return nil, fmt.Errorf("partition: fetch ranges for %s: %w", resourceID, err)
		}
		m, err := NewRoutingMap(ranges)
		if err != nil {
			return nil, fmt.Errorf("partition: %s: %w", resourceID, err)
		}
		c.mu.Lock()
		if c.gens[resourceID] == gen {
			c.maps.Add(resourceID, m)
		}
		c.mu.Unlock()
		return m, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RoutingMap), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached layout of resourceID so the next Resolve
// refetches it. It is called when the server reports a partition split or
// merge. A fetch already in flight is not cached and later callers start a new one.
func (c *Cache) Invalidate(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[resourceID]++
	c.maps.Remove(resourceID)
	c.group.Forget(resourceID)
}

func (c *Cache) generation(resourceID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[resourceID]
}

// Len returns the number of cached resources.
func (c *Cache) Len() int {
	return c.maps.Len()
}
