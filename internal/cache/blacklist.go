package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultPrefix namespaces blacklist keys.
const DefaultPrefix = "blacklist:"

// BlacklistCache shares blacklisted tokens between instances through Redis.
// Keys expire together with the entry, so Redis does the pruning.
type BlacklistCache struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	writes  atomic.Int64
	expired atomic.Int64
}

// NewBlacklistCache creates a cache over client. An empty prefix uses
// DefaultPrefix.
func NewBlacklistCache(client redis.Cmdable, prefix string) *BlacklistCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &BlacklistCache{client: client, prefix: prefix, now: time.Now}
}

func (c *BlacklistCache) key(chain, token string) string {
	return c.prefix + safety.TokenKey(chain, token)
}

// Set stores entry until its expiry. An entry that has already expired is
// removed instead.
func (c *BlacklistCache) Set(ctx context.Context, entry safety.BlacklistEntry) error {
	key := c.key(entry.Chain, entry.TokenAddress)

	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = entry.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return c.client.Del(ctx, key).Err()
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal blacklist entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	c.writes.Add(1)
	return nil
}

// Get returns the entry for a token, or nil on a miss.
func (c *BlacklistCache) Get(ctx context.Context, chain, token string) (*safety.BlacklistEntry, error) {
	key := c.key(chain, token)
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry safety.BlacklistEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache: dropping corrupt blacklist entry")
		_ = c.client.Del(ctx, key).Err()
		c.misses.Add(1)
		return nil, nil
	}
	if !entry.Active(c.now()) {
		_ = c.client.Del(ctx, key).Err()
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return &entry, nil
}

// Delete removes a token.
func (c *BlacklistCache) Delete(ctx context.Context, chain, token string) error {
	if err := c.client.Del(ctx, c.key(chain, token)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Entries scans every cached entry. Used to report the shared blacklist.
func (c *BlacklistCache) Entries(ctx context.Context) ([]safety.BlacklistEntry, error) {
	var out []safety.BlacklistEntry
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := c.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var entry safety.BlacklistEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Writes  int64 `json:"writes"`
	Expired int64 `json:"expired"`
}

// Stats returns cache statistics.
func (c *BlacklistCache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Expired: c.expired.Load(),
	}
}
