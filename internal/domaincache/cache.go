// Package domaincache implements the write-through Redis cache for
// subscription domain models: a JSON blob keyed by subscription id plus a
// companion ETag key, both with a one-week TTL, and chunked SCAN-based
// bulk invalidation. Grounded on the original engine's utils/redis.py.
package domaincache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is how long a cached domain model and its ETag survive without being
// refreshed, matching the original's 3600*24*7 constant.
const TTL = 7 * 24 * time.Hour

// scanChunkSize bounds how many keys SCAN returns per cursor iteration
// during bulk invalidation, matching the original's chunking of 5000.
const scanChunkSize = 5000

func domainKey(subscriptionID string) string {
	return fmt.Sprintf("orchestrator:domain:%s", subscriptionID)
}

func etagKey(subscriptionID string) string {
	return fmt.Sprintf("orchestrator:domain:etag:%s", subscriptionID)
}

// Cache is a thin wrapper over a redis.Client implementing the domain
// model cache's read/write/invalidate contract.
type Cache struct {
	rdb *redis.Client
}

// New wraps an existing redis.Client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// ETag returns a deterministic fingerprint of model's canonical JSON
// encoding, the same contract the original's _generate_etag produces: two
// equal models (by JSON content) always produce the same ETag.
func ETag(model any) (string, error) {
	canonical, err := canonicalJSON(model)
	if err != nil {
		return "", fmt.Errorf("domaincache: etag: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(model any) ([]byte, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ToRedis writes model's JSON encoding and its ETag to the cache under
// subscriptionID, both with a fresh TTL.
func (c *Cache) ToRedis(ctx context.Context, subscriptionID string, model any) error {
	body, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("domaincache: marshal: %w", err)
	}
	tag, err := ETag(model)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, domainKey(subscriptionID), body, TTL)
	pipe.Set(ctx, etagKey(subscriptionID), tag, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("domaincache: write %s: %w", subscriptionID, err)
	}
	return nil
}

// FromRedis reads the cached JSON blob for subscriptionID into out (a
// pointer), along with the ETag it was stored with. Returns
// redis.Nil-wrapping error on a cache miss.
func (c *Cache) FromRedis(ctx context.Context, subscriptionID string, out any) (etag string, err error) {
	body, err := c.rdb.Get(ctx, domainKey(subscriptionID)).Bytes()
	if err != nil {
		return "", fmt.Errorf("domaincache: read %s: %w", subscriptionID, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return "", fmt.Errorf("domaincache: unmarshal %s: %w", subscriptionID, err)
	}
	tag, err := c.rdb.Get(ctx, etagKey(subscriptionID)).Result()
	if err != nil {
		return "", fmt.Errorf("domaincache: read etag %s: %w", subscriptionID, err)
	}
	return tag, nil
}

// Invalidate removes the cached model and ETag for a single subscription.
func (c *Cache) Invalidate(ctx context.Context, subscriptionID string) error {
	if err := c.rdb.Del(ctx, domainKey(subscriptionID), etagKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("domaincache: invalidate %s: %w", subscriptionID, err)
	}
	return nil
}

// InvalidateAll scans for every cached domain-model key and deletes them in
// chunks, without blocking the Redis event loop the way KEYS * would.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	return c.invalidatePattern(ctx, "orchestrator:domain:*")
}

func (c *Cache) invalidatePattern(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanChunkSize).Result()
		if err != nil {
			return deleted, fmt.Errorf("domaincache: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("domaincache: delete scanned keys: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}
