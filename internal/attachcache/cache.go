// Package attachcache is the two-tier (memory + disk) content cache for
// resolved attachments, keyed by content hash.
package attachcache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a cached attachment's bytes plus metadata.
type Entry struct {
	Hash       string
	Bytes      []byte
	MimeType   string
	Size       int64
	LastAccess time.Time
}

// Tier is a single storage tier (memory or disk) with its own LRU
// eviction and TTL.
type Tier interface {
	Get(hash string) (Entry, bool)
	Put(e Entry)
	Evict(hash string)
	Name() string
}

// Materializer produces the bytes for a cache miss.
type Materializer func(ctx context.Context) (Entry, error)

// Cache is the two-tier attachment cache with single-flight coalescing.
type Cache struct {
	memory          Tier
	disk            Tier
	remote          Tier // optional third tier, nil when unconfigured
	memoryThreshold int64
	group           singleflight.Group
}

// Config configures tier sizing independent of the Tier implementations
// themselves.
type Config struct {
	MemoryThresholdBytes int64 // entries at or below this size admit to memory
}

// New builds a Cache over the given tiers. remote may be nil.
func New(cfg Config, memory, disk, remote Tier) *Cache {
	return &Cache{
		memory:          memory,
		disk:            disk,
		remote:          remote,
		memoryThreshold: cfg.MemoryThresholdBytes,
	}
}

// Get returns a cached entry for hash, checking memory first, then disk,
// then the optional remote tier, promoting disk/remote hits into memory.
func (c *Cache) Get(hash string) (Entry, bool) {
	if e, ok := c.memory.Get(hash); ok {
		e.LastAccess = time.Now()
		c.memory.Put(e)
		return e, true
	}
	if e, ok := c.disk.Get(hash); ok {
		c.promote(e)
		return e, true
	}
	if c.remote != nil {
		if e, ok := c.remote.Get(hash); ok {
			c.promote(e)
			return e, true
		}
	}
	return Entry{}, false
}

func (c *Cache) promote(e Entry) {
	e.LastAccess = time.Now()
	if e.Size <= c.memoryThreshold {
		c.memory.Put(e)
	}
}

// GetOrMaterialize looks up hash, and on miss calls materialize exactly
// once even under concurrent callers for the same hash ("single-flight").
func (c *Cache) GetOrMaterialize(ctx context.Context, hash string, materialize Materializer) (Entry, error) {
	if e, ok := c.Get(hash); ok {
		return e, nil
	}

	v, err, _ := c.group.Do(hash, func() (interface{}, error) {
		// Re-check: another goroutine may have populated the cache
		// between our miss above and acquiring the single-flight slot.
		if e, ok := c.Get(hash); ok {
			return e, nil
		}
		e, err := materialize(ctx)
		if err != nil {
			return Entry{}, err
		}
		e.Hash = hash
		e.LastAccess = time.Now()
		c.admit(e)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Admit stores an entry whose hash only became known after its fetch,
// so later messages referencing the same content hit the cache.
func (c *Cache) Admit(e Entry) {
	e.LastAccess = time.Now()
	c.admit(e)
}

// EvictExpired sweeps every tier that supports bulk expiry (the remote
// tier relies on server-side TTLs) and returns the total evicted.
func (c *Cache) EvictExpired() int {
	type sweeper interface{ EvictExpired() int }
	n := 0
	for _, t := range []Tier{c.memory, c.disk, c.remote} {
		if sw, ok := t.(sweeper); ok {
			n += sw.EvictExpired()
		}
	}
	return n
}

// admit places a freshly materialized entry into memory (if within the
// threshold) and always into disk.
// Eviction between tiers is strictly tier-local: admitting to memory
// never evicts disk entries and vice versa (see DESIGN.md).
func (c *Cache) admit(e Entry) {
	if e.Size <= c.memoryThreshold {
		c.memory.Put(e)
	}
	c.disk.Put(e)
	if c.remote != nil {
		c.remote.Put(e)
	}
}
