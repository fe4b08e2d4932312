// Package groupcache implements the group cache (GC): a Redis-backed
// key-to-buffer store for packed tile-group buffers, with lazy zero-init and
// in-place single-tile patches via server-side scripts so that both
// operations are race-free across concurrent callers and cost one
// round-trip each.
package groupcache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// ensureZeroScript sets key to an all-zero GroupLen buffer only if it does
// not already exist, atomically, in one round-trip.
const ensureZeroScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`

// patchScript overwrites exactly three bytes at a byte offset within an
// existing buffer via SETRANGE, which is itself atomic in Redis but is
// scripted here so the precondition (key must already be length GroupLen)
// is enforced server-side rather than trusted blindly.
const patchScript = `
local len = redis.call("STRLEN", KEYS[1])
if len ~= tonumber(ARGV[2]) then
	return redis.error_reply("group buffer has unexpected length " .. len)
end
redis.call("SETRANGE", KEYS[1], ARGV[1], ARGV[3])
return 1
`

// Cache is the group cache contract consumed by the draw and read pipelines.
type Cache interface {
	Get(ctx context.Context, key domain.GroupKey) (domain.TileGroup, bool, error)
	Set(ctx context.Context, group domain.TileGroup) error
	EnsureZero(ctx context.Context, key domain.GroupKey) error
	Patch(ctx context.Context, key domain.GroupKey, dx, dy int, rgb domain.RGB) error
}

// RedisCache implements Cache on top of a raw *redis.Client. It is built
// directly against go-redis rather than the JSON-oriented Cache interface
// in internal/infrastructure/cache because group buffers are raw bytes,
// not JSON documents, and need server-side scripted writes that interface
// does not expose.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, logger: logger}
}

// Get returns the cached buffer for key. The bool is false on a cache miss.
// A hit with any length other than GroupLen is a fatal corruption.
func (c *RedisCache) Get(ctx context.Context, key domain.GroupKey) (domain.TileGroup, bool, error) {
	val, err := c.client.Get(ctx, key.String()).Bytes()
	if err == redis.Nil {
		return domain.TileGroup{}, false, nil
	}
	if err != nil {
		return domain.TileGroup{}, false, domain.Fatal("failed to read group from cache", err)
	}
	if len(val) != domain.GroupLen {
		return domain.TileGroup{}, false, domain.Fatal(
			fmt.Sprintf("cached group %s has corrupt length %d, want %d", key, len(val), domain.GroupLen), nil)
	}
	return domain.TileGroup{Key: key, Buf: val}, true, nil
}

// Set performs a full overwrite of the cached buffer for group.Key.
func (c *RedisCache) Set(ctx context.Context, group domain.TileGroup) error {
	if len(group.Buf) != domain.GroupLen {
		return domain.Fatal(
			fmt.Sprintf("refusing to cache group %s with length %d, want %d", group.Key, len(group.Buf), domain.GroupLen), nil)
	}
	if err := c.client.Set(ctx, group.Key.String(), group.Buf, 0).Err(); err != nil {
		return domain.Fatal("failed to write group to cache", err)
	}
	return nil
}

// EnsureZero lazily materializes a zeroed buffer for key if none exists.
func (c *RedisCache) EnsureZero(ctx context.Context, key domain.GroupKey) error {
	zero := make([]byte, domain.GroupLen)
	if err := c.client.Eval(ctx, ensureZeroScript, []string{key.String()}, zero).Err(); err != nil {
		return domain.Fatal("failed to ensure zeroed group buffer", err)
	}
	return nil
}

// Patch overwrites exactly three bytes at local (dx, dy) within key's
// buffer. The caller must have called EnsureZero for key first.
func (c *RedisCache) Patch(ctx context.Context, key domain.GroupKey, dx, dy int, rgb domain.RGB) error {
	off := domain.Offset(dx, dy)
	rgbBytes := []byte{rgb[0], rgb[1], rgb[2]}
	if err := c.client.Eval(ctx, patchScript, []string{key.String()}, off, domain.GroupLen, rgbBytes).Err(); err != nil {
		return domain.Fatal("failed to patch group buffer", err)
	}
	return nil
}
