package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nexus-trading/dexsniper/internal/safety"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*BlacklistCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewBlacklistCache(client, "")
	c.now = func() time.Time { return t0 }
	return c, mr
}

func entry(token string, ttl time.Duration) safety.BlacklistEntry {
	e := safety.BlacklistEntry{
		Chain:        "bsc",
		TokenAddress: token,
		Reason:       safety.ReasonHoneypot,
		Details:      "canary sell: sell blocked",
		AddedAt:      t0,
	}
	if ttl > 0 {
		e.ExpiresAt = t0.Add(ttl)
	}
	return e
}

func TestBlacklistCache_SetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, entry("0xABC", time.Hour)))
	assert.True(t, mr.Exists("blacklist:bsc:0xabc"), "keys are normalized")
	assert.Equal(t, time.Hour, mr.TTL("blacklist:bsc:0xabc"))

	got, err := c.Get(ctx, "BSC", "0xabc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, safety.ReasonHoneypot, got.Reason)
	assert.Equal(t, "canary sell: sell blocked", got.Details)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Hour)))

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Writes)
}

func TestBlacklistCache_MissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.Get(context.Background(), "bsc", "0xnone")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestBlacklistCache_PermanentEntryHasNoTTL(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), entry("0xperm", 0)))
	assert.Equal(t, time.Duration(0), mr.TTL("blacklist:bsc:0xperm"))
}

func TestBlacklistCache_RedisExpiresKey(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, entry("0xtoken", time.Minute)))

	mr.FastForward(2 * time.Minute)
	got, err := c.Get(ctx, "bsc", "0xtoken")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBlacklistCache_StaleEntryDropped(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, entry("0xtoken", time.Minute)))

	// clock moved on but redis has not expired the key yet
	c.now = func() time.Time { return t0.Add(time.Hour) }
	got, err := c.Get(ctx, "bsc", "0xtoken")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("blacklist:bsc:0xtoken"))
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestBlacklistCache_SetExpiredDeletes(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, entry("0xtoken", time.Hour)))

	old := entry("0xtoken", 0)
	old.ExpiresAt = t0.Add(-time.Second)
	require.NoError(t, c.Set(ctx, old))
	assert.False(t, mr.Exists("blacklist:bsc:0xtoken"))
}

func TestBlacklistCache_CorruptEntry(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("blacklist:bsc:0xbad", "{not json"))

	got, err := c.Get(context.Background(), "bsc", "0xbad")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("blacklist:bsc:0xbad"))
}

func TestBlacklistCache_DeleteAndEntries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, entry("0xa", time.Hour)))
	require.NoError(t, c.Set(ctx, entry("0xb", time.Hour)))

	all, err := c.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.Delete(ctx, "bsc", "0xA"))
	all, err = c.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "0xb", all[0].TokenAddress)
}

func TestBlacklistCache_ServerDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "bsc", "0xtoken")
	assert.Error(t, err)
	assert.Error(t, c.Set(context.Background(), entry("0xtoken", time.Hour)))
}

func TestBlacklistCache_SharedWithControls(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	writer := safety.NewControls(safety.DefaultConfig(), safety.WithCache(c))
	reader := safety.NewControls(safety.DefaultConfig(), safety.WithCache(c))

	require.NoError(t, writer.Blacklist(ctx, safety.BlacklistEntry{
		Chain:        "bsc",
		TokenAddress: "0xrug",
		Reason:       safety.ReasonRugPull,
		AddedAt:      time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	e, ok := reader.IsBlacklisted(ctx, "bsc", "0xrug")
	require.True(t, ok)
	assert.Equal(t, safety.ReasonRugPull, e.Reason)
}
