package attachcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
)

// remoteRecord is the wire shape stored in the remote tier; Bytes is
// carried separately since both redis and memcache store opaque blobs.
type remoteRecord struct {
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// RedisTier is an optional third cache tier shared across relay
// processes.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisTier connects to addr and returns a Tier backed by Redis.
func NewRedisTier(addr, password string, db int, ttl time.Duration) *RedisTier {
	return &RedisTier{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
		logger: slog.Default().With("component", "attachcache-redis"),
	}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) Get(hash string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	metaJSON, err := r.client.Get(ctx, "attach:meta:"+hash).Result()
	if err != nil {
		return Entry{}, false
	}
	data, err := r.client.Get(ctx, "attach:data:"+hash).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var rec remoteRecord
	if err := json.Unmarshal([]byte(metaJSON), &rec); err != nil {
		return Entry{}, false
	}
	return Entry{Hash: hash, Bytes: data, MimeType: rec.MimeType, Size: rec.Size, LastAccess: rec.LastAccess}, true
}

func (r *RedisTier) Put(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	meta, err := json.Marshal(remoteRecord{MimeType: e.MimeType, Size: e.Size, LastAccess: e.LastAccess})
	if err != nil {
		r.logger.Warn("failed to marshal cache metadata", "hash", e.Hash, "error", err)
		return
	}
	if err := r.client.Set(ctx, "attach:meta:"+e.Hash, meta, r.ttl).Err(); err != nil {
		r.logger.Warn("redis tier put failed", "hash", e.Hash, "error", err)
		return
	}
	if err := r.client.Set(ctx, "attach:data:"+e.Hash, e.Bytes, r.ttl).Err(); err != nil {
		r.logger.Warn("redis tier put failed", "hash", e.Hash, "error", err)
	}
}

func (r *RedisTier) Evict(hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Del(ctx, "attach:meta:"+hash, "attach:data:"+hash)
}

// MemcacheTier is the alternate remote tier backed by memcached, used
// when the deployment already runs a memcache fleet instead of Redis.
type MemcacheTier struct {
	client *memcache.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewMemcacheTier creates a Tier over one or more memcached servers.
func NewMemcacheTier(ttl time.Duration, servers ...string) *MemcacheTier {
	return &MemcacheTier{
		client: memcache.New(servers...),
		ttl:    ttl,
		logger: slog.Default().With("component", "attachcache-memcache"),
	}
}

func (m *MemcacheTier) Name() string { return "memcache" }

func (m *MemcacheTier) Get(hash string) (Entry, bool) {
	metaItem, err := m.client.Get("attach:meta:" + hash)
	if err != nil {
		return Entry{}, false
	}
	dataItem, err := m.client.Get("attach:data:" + hash)
	if err != nil {
		return Entry{}, false
	}
	var rec remoteRecord
	if err := json.Unmarshal(metaItem.Value, &rec); err != nil {
		return Entry{}, false
	}
	return Entry{Hash: hash, Bytes: dataItem.Value, MimeType: rec.MimeType, Size: rec.Size, LastAccess: rec.LastAccess}, true
}

func (m *MemcacheTier) Put(e Entry) {
	meta, err := json.Marshal(remoteRecord{MimeType: e.MimeType, Size: e.Size, LastAccess: e.LastAccess})
	if err != nil {
		m.logger.Warn("failed to marshal cache metadata", "hash", e.Hash, "error", err)
		return
	}
	expSeconds := int32(m.ttl.Seconds())
	if err := m.client.Set(&memcache.Item{Key: "attach:meta:" + e.Hash, Value: meta, Expiration: expSeconds}); err != nil {
		m.logger.Warn("memcache tier put failed", "hash", e.Hash, "error", err)
		return
	}
	if err := m.client.Set(&memcache.Item{Key: "attach:data:" + e.Hash, Value: e.Bytes, Expiration: expSeconds}); err != nil {
		m.logger.Warn("memcache tier put failed", "hash", e.Hash, "error", err)
	}
}

func (m *MemcacheTier) Evict(hash string) {
	m.client.Delete("attach:meta:" + hash)
	m.client.Delete("attach:data:" + hash)
}

var (
	_ Tier = (*RedisTier)(nil)
	_ Tier = (*MemcacheTier)(nil)
)
