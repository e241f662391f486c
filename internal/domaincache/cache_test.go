package domaincache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type subscription struct {
	SubscriptionID string `json:"subscription_id"`
	Description    string `json:"description"`
	Status         string `json:"status"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestRoundTripPreservesModelAndETag(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	sub := subscription{SubscriptionID: "sub-1", Description: "10G port", Status: "active"}
	require.NoError(t, c.ToRedis(ctx, sub.SubscriptionID, sub))

	var got subscription
	etag, err := c.FromRedis(ctx, "sub-1", &got)
	require.NoError(t, err)
	assert.Equal(t, sub, got)

	want, err := ETag(sub)
	require.NoError(t, err)
	assert.Equal(t, want, etag)
}

func TestETagIsDeterministic(t *testing.T) {
	a, err := ETag(subscription{SubscriptionID: "sub-1", Status: "active"})
	require.NoError(t, err)
	b, err := ETag(subscription{SubscriptionID: "sub-1", Status: "active"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed, err := ETag(subscription{SubscriptionID: "sub-1", Status: "terminated"})
	require.NoError(t, err)
	assert.NotEqual(t, a, changed)
}

func TestKeysAndTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.ToRedis(ctx, "sub-1", subscription{SubscriptionID: "sub-1"}))

	assert.True(t, mr.Exists("orchestrator:domain:sub-1"))
	assert.True(t, mr.Exists("orchestrator:domain:etag:sub-1"))
	assert.Equal(t, TTL, mr.TTL("orchestrator:domain:sub-1"))
	assert.Equal(t, TTL, mr.TTL("orchestrator:domain:etag:sub-1"))
}

func TestFromRedisMiss(t *testing.T) {
	c, _ := newTestCache(t)

	var got subscription
	_, err := c.FromRedis(context.Background(), "missing", &got)
	require.Error(t, err)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestInvalidateSingle(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.ToRedis(ctx, "sub-1", subscription{SubscriptionID: "sub-1"}))
	require.NoError(t, c.Invalidate(ctx, "sub-1"))

	assert.False(t, mr.Exists("orchestrator:domain:sub-1"))
	assert.False(t, mr.Exists("orchestrator:domain:etag:sub-1"))
}

func TestInvalidateAllSweepsEveryKey(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"sub-1", "sub-2", "sub-3"} {
		require.NoError(t, c.ToRedis(ctx, id, subscription{SubscriptionID: id}))
	}
	require.NoError(t, mr.Set("unrelated:key", "survives"))

	deleted, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, deleted) // three models plus three etags

	assert.False(t, mr.Exists("orchestrator:domain:sub-2"))
	assert.True(t, mr.Exists("unrelated:key"))
}
